// Package streampump implements C2: reading a container's raw stdio bytes,
// segmenting them into CRI-style lines, and fanning each line out to every
// configured log driver and attach subscriber.
//
// Grounded on the Nomad executor's pipe-to-writer copy goroutine
// (other_examples/5089af6b_hashicorp-nomad__...executor.go.go,
// logRotatorWrapper.start), generalized from "copy raw bytes to one
// rotator" to "segment into tagged lines and fan out to N sinks with
// per-sink backpressure policy":
//
//   - a log driver's queue filling blocks the pump (logs are the durable
//     record and must never silently lose bytes);
//   - an attach subscriber's queue filling gets that subscriber disconnected
//     (attach is best-effort and must never deadlock the pump).
package streampump

import (
	"bufio"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/containers/conmon-go/internal/logdriver"
)

// Sink receives fully-formed (pipe, partial, line) tuples. Both log
// drivers and attach subscribers are adapted to this interface; see
// LogSink and AttachSink below.
type Sink interface {
	// Send delivers one line. Returning an error for a log sink is fatal
	// to that sink for the container's lifetime (see logdriver.Driver);
	// returning an error for an attach sink causes its removal from the
	// pump's subscriber list.
	Send(pipe logdriver.PipeID, partial logdriver.Partial, line []byte) error
	// Name is used only for log messages.
	Name() string
}

// LogSink adapts a logdriver.Driver to Sink. Log sinks are never removed
// from the pump on error (the driver marks itself degraded internally and
// silently drops further writes); the pump still blocks on a degraded
// driver's queue only until the per-call Send returns, which the driver
// itself makes instant once degraded.
type LogSink struct {
	Driver logdriver.Driver
	// OnDegrade, if set, is called exactly once, the moment Driver.Write
	// first fails and the driver marks itself degraded.
	OnDegrade func()
}

func (s LogSink) Send(pipe logdriver.PipeID, partial logdriver.Partial, line []byte) error {
	err := s.Driver.Write(pipe, partial, line)
	if err != nil && s.OnDegrade != nil {
		s.OnDegrade()
	}
	return err
}

func (s LogSink) Name() string { return "log-driver" }

// AttachSink is implemented by internal/attachhub's subscriber type. It is
// declared here (rather than imported) to avoid an import cycle between
// streampump and attachhub; attachhub's unexported subscriber type
// satisfies it.
type AttachSink interface {
	Sink
	// ID uniquely identifies the subscriber so the pump can drop it.
	ID() uint64
}

// queuedSink wraps a Sink with a bounded channel and its own delivery
// goroutine, giving each sink independent backpressure.
type queuedSink struct {
	sink     Sink
	ch       chan queuedLine
	done     chan struct{}
	dropped  bool
	mu       sync.Mutex
	blocking bool // true for log sinks: pump blocks rather than drops
}

type queuedLine struct {
	pipe    logdriver.PipeID
	partial logdriver.Partial
	line    []byte
}

const subscriberQueueDepth = 64

func newQueuedSink(s Sink, blocking bool) *queuedSink {
	qs := &queuedSink{sink: s, ch: make(chan queuedLine, subscriberQueueDepth), done: make(chan struct{}), blocking: blocking}
	go qs.run()
	return qs
}

func (qs *queuedSink) run() {
	defer close(qs.done)
	for ql := range qs.ch {
		if err := qs.sink.Send(ql.pipe, ql.partial, ql.line); err != nil {
			qs.mu.Lock()
			qs.dropped = true
			qs.mu.Unlock()
		}
	}
}

func (qs *queuedSink) isDropped() bool {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.dropped
}

func (qs *queuedSink) close() {
	close(qs.ch)
	<-qs.done
}

// Pump reads one pipe (console, stdout, or stderr) and fans lines out to
// its sinks.
type Pump struct {
	log zerolog.Logger

	mu          sync.Mutex
	logSinks    []*queuedSink
	attachSinks map[uint64]*queuedSink

	maxPayload int
}

// New returns a Pump with no sinks attached yet.
func New(log zerolog.Logger, maxPayload int) *Pump {
	if maxPayload <= 0 {
		maxPayload = logdriver.MaxCRIPayload
	}
	return &Pump{
		log:         log,
		attachSinks: make(map[uint64]*queuedSink),
		maxPayload:  maxPayload,
	}
}

// AddLogSink registers a log driver sink. Must be called before Run.
func (p *Pump) AddLogSink(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logSinks = append(p.logSinks, newQueuedSink(s, true))
}

// AddAttachSink registers a live attach subscriber, returning a function
// the attach hub calls to detach it early (disconnect without waiting for
// a send failure).
func (p *Pump) AddAttachSink(s AttachSink) (detach func()) {
	qs := newQueuedSink(s, false)
	p.mu.Lock()
	p.attachSinks[s.ID()] = qs
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.attachSinks, s.ID())
		p.mu.Unlock()
		qs.close()
	}
}

// Run reads from r (a console PTY or a stdout/stderr pipe) until EOF,
// segmenting into CRI-style lines, and blocks until r is drained. It must
// be called once per active stdio source; callers run it in its own
// goroutine per source.
func (p *Pump) Run(pipe logdriver.PipeID, r io.Reader) {
	reader := bufio.NewReaderSize(r, p.maxPayload)
	var pending []byte

	flush := func(partial logdriver.Partial) {
		if len(pending) == 0 {
			return
		}
		p.deliver(pipe, partial, pending)
		pending = nil
	}

	for {
		chunk, err := reader.ReadSlice('\n')
		if len(chunk) > 0 {
			pending = append(pending, chunk...)
			hasNewline := len(pending) > 0 && pending[len(pending)-1] == '\n'
			if hasNewline {
				pending = pending[:len(pending)-1]
			}
			for len(pending) > p.maxPayload {
				p.deliver(pipe, logdriver.Fragment, pending[:p.maxPayload])
				pending = pending[p.maxPayload:]
			}
			if hasNewline {
				flush(logdriver.Full)
			}
		}
		if err != nil {
			if err == bufio.ErrBufferFull {
				// ReadSlice's own buffer overran maxPayload worth of data
				// with no newline: treat what we have as a fragment and
				// keep reading.
				flush(logdriver.Fragment)
				continue
			}
			if err == io.EOF {
				flush(logdriver.Fragment)
			} else {
				p.log.Warn().Err(err).Str("pipe", pipe.String()).Msg("stream pump read failed")
				flush(logdriver.Fragment)
			}
			return
		}
	}
}

// deliver sends one segment to every sink, blocking on log sinks (their
// queue filling stalls the pump by design) and dropping attach subscribers
// whose queue is full or whose delivery goroutine has failed.
func (p *Pump) deliver(pipe logdriver.PipeID, partial logdriver.Partial, line []byte) {
	cp := make([]byte, len(line))
	copy(cp, line)

	p.mu.Lock()
	logSinks := append([]*queuedSink(nil), p.logSinks...)
	attachSinks := make([]*queuedSink, 0, len(p.attachSinks))
	var attachIDs []uint64
	for id, qs := range p.attachSinks {
		attachSinks = append(attachSinks, qs)
		attachIDs = append(attachIDs, id)
	}
	p.mu.Unlock()

	for _, qs := range logSinks {
		if qs.isDropped() {
			continue
		}
		qs.ch <- queuedLine{pipe: pipe, partial: partial, line: cp}
	}

	for i, qs := range attachSinks {
		select {
		case qs.ch <- queuedLine{pipe: pipe, partial: partial, line: cp}:
		default:
			p.disconnectAttach(attachIDs[i])
		}
		if qs.isDropped() {
			p.disconnectAttach(attachIDs[i])
		}
	}
}

func (p *Pump) disconnectAttach(id uint64) {
	p.mu.Lock()
	qs, ok := p.attachSinks[id]
	if ok {
		delete(p.attachSinks, id)
	}
	p.mu.Unlock()
	if ok {
		qs.close()
	}
}

// Close tears down every log sink's delivery goroutine. Call only after
// every Run call for this container has returned (pipes drained).
func (p *Pump) Close() {
	p.mu.Lock()
	logSinks := p.logSinks
	p.logSinks = nil
	attachSinks := p.attachSinks
	p.attachSinks = make(map[uint64]*queuedSink)
	p.mu.Unlock()

	for _, qs := range logSinks {
		qs.close()
	}
	for _, qs := range attachSinks {
		qs.close()
	}
}
