package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
)

const (
	stateOpen int32 = iota
	stateClosing
	stateClosed
)

// instructionQueue is the capacity of the instruction channel. Callers
// block once it is full until the worker drains it.
const instructionQueue = 64

var errNilStream = errors.New("notify: nil stream")

// Notifier watches directories and delivers their changes to a Stream.
// All methods are safe for concurrent use. Each call is applied by the
// notifier's worker goroutine and returns once the worker has applied it.
//
// A Notifier that becomes unreachable without Close is closed by its
// finalizer; relying on that leaks the worker until the next GC.
type Notifier struct {
	n *notifier
}

type notifier struct {
	state  atomic.Int32
	instr  chan instruction
	port   port
	logger *slog.Logger

	// done is closed when the worker goroutine returns; err is its result
	// and is only read after done is closed.
	done chan struct{}
	err  error
}

// New starts a Notifier that sends to stream. The stream may back only
// one notifier. New fails only if the platform notification facility
// cannot be initialised, in which case the stream is ended.
func New(stream *Stream, cfg Config) (*Notifier, error) {
	if stream == nil {
		return nil, errNilStream
	}
	if err := stream.attach(); err != nil {
		return nil, err
	}
	if cfg.RecursionLimit < 0 {
		cfg.RecursionLimit = Unlimited
	}
	p, err := platformFactory(cfg)
	if err != nil {
		stream.end()
		if errors.Is(err, ErrNotImplemented) {
			return nil, err
		}
		return nil, fmt.Errorf("notify: init: %w", err)
	}
	return start(stream, cfg, p), nil
}

// start launches the worker for an attached stream and a ready port.
func start(stream *Stream, cfg Config, p port) *Notifier {
	n := &notifier{
		instr:  make(chan instruction, instructionQueue),
		port:   p,
		logger: cfg.logger(),
		done:   make(chan struct{}),
	}
	e := newEngine(cfg, p, stream, n.instr)
	go func() {
		defer close(n.done)
		n.err = e.run()
	}()

	outer := &Notifier{n: n}
	runtime.SetFinalizer(outer, (*Notifier).finalize)
	return outer
}

// Watch subscribes path, and the directories below it when the
// configuration is recursive. Failures on individual subdirectories are
// delivered on the stream rather than returned.
func (n *Notifier) Watch(path string) error {
	r, err := n.n.call(instrWatch, path)
	if err != nil {
		return err
	}
	return r.err
}

// Unwatch removes the watch on path, and the watches recursion created
// for it. It fails with ErrNotWatched when no watch matches path.
func (n *Notifier) Unwatch(path string) error {
	r, err := n.n.call(instrUnwatch, path)
	if err != nil {
		return err
	}
	return r.err
}

// Watches returns the live watches sorted by path.
func (n *Notifier) Watches() ([]WatchInfo, error) {
	r, err := n.n.call(instrList, "")
	if err != nil {
		return nil, err
	}
	return r.watches, r.err
}

// Close stops the notifier: every watch is cancelled and closed, the
// worker exits and the stream ends. A second Close fails with ErrClosed.
// If the worker panicked the returned error wraps ErrThreadPanic.
func (n *Notifier) Close() error {
	err := n.n.close()
	if !errors.Is(err, ErrClosed) {
		runtime.SetFinalizer(n, nil)
	}
	return err
}

// IsClosed reports whether Close has been called.
func (n *Notifier) IsClosed() bool {
	return n.n.state.Load() != stateOpen
}

func (n *Notifier) finalize() {
	if n.IsClosed() {
		return
	}
	if err := n.n.close(); err != nil && !errors.Is(err, ErrClosed) {
		n.n.logger.Error("notify: notifier finalized without Close; forced close failed",
			slog.Any("error", err))
	}
}

// call sends one instruction and waits for its reply.
func (n *notifier) call(kind instructionKind, path string) (reply, error) {
	if n.state.Load() != stateOpen {
		return reply{}, ErrClosed
	}
	in := instruction{kind: kind, path: path, reply: make(chan reply, 1)}
	select {
	case n.instr <- in:
	case <-n.done:
		return reply{}, n.unavailable()
	}
	if err := n.port.wake(); err != nil {
		n.logger.Warn("notify: wake worker", slog.Any("error", err))
	}
	select {
	case r := <-in.reply:
		return r, nil
	case <-n.done:
		select {
		case r := <-in.reply:
			return r, nil
		default:
			return reply{}, n.unavailable()
		}
	}
}

// unavailable is the error for an instruction the worker will never
// answer.
func (n *notifier) unavailable() error {
	if n.state.Load() != stateOpen {
		return ErrClosed
	}
	return ErrSending
}

func (n *notifier) close() error {
	if !n.state.CompareAndSwap(stateOpen, stateClosing) {
		return ErrClosed
	}
	defer n.state.Store(stateClosed)

	in := instruction{kind: instrClose, reply: make(chan reply, 1)}
	select {
	case n.instr <- in:
		if err := n.port.wake(); err != nil {
			n.logger.Warn("notify: wake worker", slog.Any("error", err))
		}
	case <-n.done:
	}
	<-n.done

	var err error
	select {
	case r := <-in.reply:
		err = r.err
	default:
	}
	if n.err != nil {
		err = errors.Join(n.err, err)
	}
	return err
}
