//go:build linux

// Package unixsocket wraps a SOCK_SEQPACKET unix socketpair used for
// parent / worker coordination: the start barrier, gob-encoded resource
// handle messages and file descriptor passing via SCM_RIGHTS.
package unixsocket

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// oob size default to page size
const oobSize = 4 << 10 // 4kb

// Socket wrappers a unix socket connection
type Socket struct {
	*net.UnixConn
	sendBuff []byte
	recvBuff []byte
}

// Msg carries out-of-band file descriptors (unix rights)
type Msg struct {
	Fds []int
}

func newSocket(conn *net.UnixConn) *Socket {
	return &Socket{
		UnixConn: conn,
		sendBuff: make([]byte, oobSize),
		recvBuff: make([]byte, oobSize),
	}
}

// NewSocket creates Socket conn struct using existing unix socket fd
// created by socketpair and marks it close_on_exec (avoid fd leak).
// It needs a SOCK_SEQPACKET socket for reliable message boundaries.
func NewSocket(fd int) (*Socket, error) {
	syscall.SetNonblock(fd, true)
	syscall.CloseOnExec(fd)

	file := os.NewFile(uintptr(fd), "unix-socket")
	if file == nil {
		return nil, fmt.Errorf("NewSocket: %d is not a valid fd", fd)
	}
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, err
	}

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("NewSocket: %d is not a valid unix socket connection", fd)
	}
	return newSocket(unixConn), nil
}

// NewSocketPair creates connected unix socketpair using SOCK_SEQPACKET
func NewSocketPair() (*Socket, *Socket, error) {
	fd, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_SEQPACKET|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("NewSocketPair: failed to call socketpair %w", err)
	}

	ins, err := NewSocket(fd[0])
	if err != nil {
		syscall.Close(fd[0])
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("NewSocketPair: failed to call NewSocket on sender %w", err)
	}

	outs, err := NewSocket(fd[1])
	if err != nil {
		ins.Close()
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("NewSocketPair: failed to call NewSocket receiver %w", err)
	}

	return ins, outs, nil
}

// SendMsg sendmsg to unix socket and encode possible unix rights
func (s *Socket) SendMsg(b []byte, m Msg) error {
	var oob []byte
	if len(m.Fds) > 0 {
		oob = append(s.sendBuff[:0], syscall.UnixRights(m.Fds...)...)
	}

	_, _, err := s.WriteMsgUnix(b, oob, nil)
	if err != nil {
		return err
	}
	return nil
}

// RecvMsg recvmsg from unix socket and parse possible unix rights
func (s *Socket) RecvMsg(b []byte) (int, Msg, error) {
	var msg Msg
	n, oobn, _, _, err := s.ReadMsgUnix(b, s.recvBuff)
	if err != nil {
		return 0, msg, err
	}
	// parse oob msg
	msgs, err := syscall.ParseSocketControlMessage(s.recvBuff[:oobn])
	if err != nil {
		return 0, msg, err
	}
	msg, err = parseMsg(msgs)
	if err != nil {
		return 0, msg, err
	}
	return n, msg, nil
}

// RecvMsgTimeout is RecvMsg with a read deadline applied, used for the
// start barrier so no coordination wait blocks forever.
func (s *Socket) RecvMsgTimeout(b []byte, timeout time.Duration) (int, Msg, error) {
	if err := s.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, Msg{}, err
	}
	defer s.SetReadDeadline(time.Time{})
	return s.RecvMsg(b)
}

func parseMsg(msgs []syscall.SocketControlMessage) (msg Msg, err error) {
	defer func() {
		if err != nil {
			for _, f := range msg.Fds {
				syscall.Close(f)
			}
			msg.Fds = nil
		}
	}()
	for _, m := range msgs {
		if m.Header.Level != syscall.SOL_SOCKET {
			continue
		}
		if m.Header.Type == syscall.SCM_RIGHTS {
			fds, err := syscall.ParseUnixRights(&m)
			if err != nil {
				return msg, err
			}
			msg.Fds = fds
		}
	}
	return msg, nil
}
