//go:build linux

// Package sched drives one stress run end to end: it creates the shared
// arena, spawns the workers through the manager, arms the deadline and
// signal stop sources, enforces the kill grace period and aggregates the
// per-instance results and metrics.
package sched

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stresskit/stresskit/pkg/arena"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
	"github.com/stresskit/stresskit/stressor"
	"github.com/stresskit/stresskit/worker"
)

// DefaultGrace is how long workers get to exit after the stop flag goes
// up before they are force killed.
const DefaultGrace = 5 * time.Second

// pollInterval paces the watchdog goroutine's stop flag checks.
const pollInterval = 100 * time.Millisecond

// Report is the outcome of one run.
type Report struct {
	Stressor string
	Results  []runner.Result
	Metrics  []arena.MetricView
	Elapsed  time.Duration
}

// Run executes one validated configuration to completion. Stressor
// faults land in the report; only harness failures (spawn, protocol)
// return an error.
func Run(cfg *runctl.Config, log *logrus.Entry, grace time.Duration) (*Report, error) {
	info, ok := stressor.Lookup(cfg.Stressor)
	if !ok {
		return nil, fmt.Errorf("sched: unknown stressor %q", cfg.Stressor)
	}
	if err := cfg.Validate(info.Tunables); err != nil {
		return nil, err
	}
	if grace <= 0 {
		grace = DefaultGrace
	}

	a, err := arena.New("stresskit-arena", cfg.Instances)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	m, err := worker.NewManager(cfg, a, log)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	begin := time.Now()
	log.Infof("starting %s: %d instances, timeout %v, ops %d",
		cfg.Stressor, cfg.Instances, cfg.Timeout, cfg.MaxOps)
	if err := m.Spawn(); err != nil {
		return nil, err
	}

	flag := a.StopFlag()
	var deadline *time.Timer
	if cfg.Timeout > 0 {
		deadline = time.AfterFunc(cfg.Timeout, func() {
			if flag.Raise(arena.StopDeadline) {
				log.Debug("run deadline reached")
			}
		})
		defer deadline.Stop()
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case s := <-sig:
				if flag.Raise(arena.StopSignal) {
					log.Infof("received %v, stopping run", s)
					continue
				}
				// second signal: user means it
				log.Warnf("received %v again, killing workers", s)
				m.KillAll()
			case <-done:
				return
			}
		}
	}()

	// watchdog: once the stop flag is up, workers get the grace period
	// to drain, then the kill backstop fires
	go func() {
		tick := time.NewTicker(pollInterval)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				if !flag.Stopped() {
					continue
				}
				select {
				case <-done:
				case <-time.After(grace):
					log.Warnf("workers still alive %v after stop, killing", grace)
					m.KillAll()
				}
				return
			}
		}
	}()

	results, err := m.Wait()
	close(done)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		Stressor: cfg.Stressor,
		Results:  results,
		Metrics:  a.Metrics(),
		Elapsed:  time.Since(begin),
	}
	rep.Log(log)
	return rep, nil
}

// ExitCode folds the run into the harness exit code.
func (r *Report) ExitCode() int {
	return runner.OverallExit(r.Results)
}

// BogoOps sums completed operations across instances.
func (r *Report) BogoOps() uint64 {
	var total uint64
	for _, res := range r.Results {
		total += res.BogoOps
	}
	return total
}

// Log writes the end-of-run summary.
func (r *Report) Log(log *logrus.Entry) {
	for i, res := range r.Results {
		e := log.WithField("worker", i)
		switch {
		case res.Outcome == runner.OutcomeSuccess:
			e.Infof("%v", res)
		case res.Skipped():
			e.Infof("%v", res)
		default:
			e.Warnf("%v", res)
		}
	}
	total := r.BogoOps()
	rate := 0.0
	if s := r.Elapsed.Seconds(); s > 0 {
		rate = float64(total) / s
	}
	log.Infof("%s: %d bogo ops in %v (%.2f ops/s)", r.Stressor, total,
		r.Elapsed.Round(time.Millisecond), rate)
	for _, mv := range r.Metrics {
		if mv.Count == 0 {
			continue
		}
		log.Infof("metric %s: %.4g (%v mean of %d samples)",
			mv.Name, mv.Value(), mv.Policy, mv.Count)
	}
}
