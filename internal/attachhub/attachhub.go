// Package attachhub implements C4: the SEQPACKET attach socket that lets
// external clients stream a running container's stdio and resize its
// console.
//
// Grounded on lxcri's PTY ownership in container.go (Container.Start
// dup's the liblxc console master into the monitor process) and generalized
// to a CRI-style attach wire format: a unix SEQPACKET socket
// where every datagram is prefixed with a single pipe-id byte (1=stdin,
// 2=stdout, 3=stderr), capped at 8 KiB per datagram, with TIOCSWINSZ-based
// resize requests multiplexed over the same control path.
package attachhub

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"

	"github.com/containers/conmon-go/internal/logdriver"
	"github.com/containers/conmon-go/internal/streampump"
)

// Pipe-id prefix bytes.
const (
	pipeStdin  byte = 1
	pipeStdout byte = 2
	pipeStderr byte = 3

	// MaxDatagram is the largest single SEQPACKET frame the hub will
	// read or write.
	MaxDatagram = 8 * 1024
)

var nextSubscriberID uint64

// subscriber adapts one attach connection's write side to streampump.AttachSink.
type subscriber struct {
	id   uint64
	conn *net.UnixConn
	mu   sync.Mutex
}

func (s *subscriber) ID() uint64 { return s.id }
func (s *subscriber) Name() string { return fmt.Sprintf("attach-%d", s.id) }

func (s *subscriber) Send(pipe logdriver.PipeID, _ logdriver.Partial, line []byte) error {
	prefix := pipeStdout
	if pipe == logdriver.Stderr {
		prefix = pipeStderr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := make([]byte, 0, len(line)+1)
	payload = append(payload, line...)
	payload = append(payload, '\n')
	buf := make([]byte, 0, MaxDatagram)
	for len(payload) > 0 {
		n := len(payload)
		if n > MaxDatagram-1 {
			n = MaxDatagram - 1
		}
		buf = append(append(buf[:0], prefix), payload[:n]...)
		if _, _, err := s.conn.WriteMsgUnix(buf, nil, nil); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// StdinWriter is implemented by the runtime invoker's stdin pipe handle.
type StdinWriter interface {
	Write(p []byte) (int, error)
}

// Resizer is implemented by whatever owns the console master fd.
type Resizer interface {
	SetWinsize(cols, rows uint16) error
}

// Hub manages one container's attach socket: accepting connections,
// registering/deregistering them with the stream pump, and relaying
// inbound stdin/resize frames to the runtime.
type Hub struct {
	socketPath string
	pump       *streampump.Pump
	stdin      StdinWriter
	resizer    Resizer

	ln     *net.UnixListener
	closed int32

	mu     sync.Mutex
	detach map[uint64]func()
}

// New creates (but does not yet listen on) a Hub bound to socketPath.
func New(socketPath string, pump *streampump.Pump, stdin StdinWriter, resizer Resizer) *Hub {
	return &Hub{
		socketPath: socketPath,
		pump:       pump,
		stdin:      stdin,
		resizer:    resizer,
		detach:     make(map[uint64]func()),
	}
}

// Listen opens the SEQPACKET socket. Callers then run Serve in a goroutine.
func (h *Hub) Listen() error {
	addr, err := net.ResolveUnixAddr("unixpacket", h.socketPath)
	if err != nil {
		return fmt.Errorf("resolve attach socket %s: %w", h.socketPath, err)
	}
	ln, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return fmt.Errorf("listen attach socket %s: %w", h.socketPath, err)
	}
	h.ln = ln
	return nil
}

// Serve accepts connections until the listener is closed.
func (h *Hub) Serve() error {
	for {
		conn, err := h.ln.AcceptUnix()
		if err != nil {
			if atomic.LoadInt32(&h.closed) == 1 {
				return nil
			}
			return err
		}
		go h.handleConn(conn)
	}
}

func (h *Hub) handleConn(conn *net.UnixConn) {
	sub := &subscriber{id: atomic.AddUint64(&nextSubscriberID, 1), conn: conn}
	detach := h.pump.AddAttachSink(sub)

	h.mu.Lock()
	h.detach[sub.id] = detach
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.detach, sub.id)
		h.mu.Unlock()
		detach()
		conn.Close()
	}()

	buf := make([]byte, MaxDatagram)
	for {
		n, _, _, _, err := conn.ReadMsgUnix(buf, nil)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		h.handleFrame(buf[:n])
	}
}

// handleFrame dispatches one client->server datagram: stdin bytes prefixed
// with pipeStdin, or a resize control frame ("R" cols rows, 5 bytes total:
// tag + 2x uint16 big-endian).
func (h *Hub) handleFrame(frame []byte) {
	switch frame[0] {
	case pipeStdin:
		if h.stdin != nil && len(frame) > 1 {
			h.stdin.Write(frame[1:])
		}
	case 'R':
		if h.resizer != nil && len(frame) == 5 {
			cols := uint16(frame[1])<<8 | uint16(frame[2])
			rows := uint16(frame[3])<<8 | uint16(frame[4])
			h.resizer.SetWinsize(cols, rows)
		}
	}
}

// Close shuts the listener down and disconnects every subscriber.
func (h *Hub) Close() error {
	atomic.StoreInt32(&h.closed, 1)
	var err error
	if h.ln != nil {
		err = h.ln.Close()
	}
	h.mu.Lock()
	detaches := make([]func(), 0, len(h.detach))
	for _, d := range h.detach {
		detaches = append(detaches, d)
	}
	h.detach = make(map[uint64]func())
	h.mu.Unlock()
	for _, d := range detaches {
		d()
	}
	return err
}

// SetWinsizeFD issues TIOCSWINSZ against the console master, via
// creack/pty's Setsize wrapper; it is the concrete Resizer the runtime
// invoker wires in for terminal containers.
func SetWinsizeFD(console *os.File, cols, rows uint16) error {
	if err := pty.Setsize(console, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("TIOCSWINSZ: %w", err)
	}
	return nil
}

// ErrNoConsole is the error value for a container that has no TTY. No code
// in this repository currently returns it.
var ErrNoConsole = errors.New("attachhub: container has no console")
