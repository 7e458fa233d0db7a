// Package sysmem reads the system memory state from /proc/meminfo. The
// harness logs a snapshot whenever a worker death is classified as a
// likely OOM kill.
package sysmem

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/stresskit/stresskit/runner"
)

// Info is a snapshot of system memory state.
type Info struct {
	MemTotal     runner.Size
	MemFree      runner.Size
	MemAvailable runner.Size
	SwapTotal    runner.Size
	SwapFree     runner.Size
}

// Read parses /proc/meminfo.
func Read() (*Info, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return nil, fmt.Errorf("sysmem: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads meminfo-format data from r.
func Parse(r io.Reader) (*Info, error) {
	info := new(Info)
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		fields := strings.Fields(scan.Text())
		if len(fields) < 2 {
			continue
		}
		var dst *runner.Size
		switch fields[0] {
		case "MemTotal:":
			dst = &info.MemTotal
		case "MemFree:":
			dst = &info.MemFree
		case "MemAvailable:":
			dst = &info.MemAvailable
		case "SwapTotal:":
			dst = &info.SwapTotal
		case "SwapFree:":
			dst = &info.SwapFree
		default:
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sysmem: parsing %q: %w", scan.Text(), err)
		}
		*dst = runner.Size(kb << 10)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("sysmem: %w", err)
	}
	return info, nil
}

func (i *Info) String() string {
	return fmt.Sprintf("total=%v free=%v avail=%v swap=%v/%v",
		i.MemTotal, i.MemFree, i.MemAvailable, i.SwapFree, i.SwapTotal)
}
