package notify

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
)

type instructionKind int

const (
	instrWatch instructionKind = iota
	instrUnwatch
	instrList
	instrClose
)

// instruction is a request from a caller goroutine, answered on reply.
type instruction struct {
	kind  instructionKind
	path  string
	reply chan reply
}

type reply struct {
	err     error
	watches []WatchInfo
}

// engine is the worker side of a Notifier. Every field is owned by the
// worker goroutine except instr and port.wake.
type engine struct {
	cfg      Config
	port     port
	reg      *registry
	stream   *Stream
	instr    chan instruction
	logger   *slog.Logger
	released bool
}

func newEngine(cfg Config, p port, stream *Stream, instr chan instruction) *engine {
	logger := cfg.logger()
	return &engine{
		cfg:    cfg,
		port:   p,
		reg:    newRegistry(p, cfg.bufferSize(), logger),
		stream: stream,
		instr:  instr,
		logger: logger,
	}
}

// run is the worker loop. Its only suspension point is port.wait. The
// stream is ended on every exit path, after a final error result unless
// the exit was an explicit close.
func (e *engine) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
			e.logger.Error("notify: worker panicked", slog.Any("panic", r))
			e.send(Result{Err: err})
			e.releaseAfterPanic()
		}
		e.stream.end()
	}()

	for {
		c, werr := e.port.wait()
		if werr != nil {
			werr = pathErr("wait", "", werr)
			e.logger.Error("notify: port wait failed", slog.Any("error", werr))
			e.send(Result{Err: werr})
			if rerr := e.release(); rerr != nil {
				e.logger.Warn("notify: release after wait failure", slog.Any("error", rerr))
			}
			return werr
		}
		if c.key == 0 {
			if c.err != nil {
				e.send(Result{Err: c.err})
				continue
			}
			if e.drain() {
				return nil
			}
			continue
		}
		e.complete(c)
	}
}

// drain applies every queued instruction without blocking. It reports
// true once a Close has been applied.
func (e *engine) drain() bool {
	for {
		select {
		case in := <-e.instr:
			if in.kind == instrClose {
				in.reply <- reply{err: e.release()}
				return true
			}
			in.reply <- e.apply(in)
		default:
			return false
		}
	}
}

func (e *engine) apply(in instruction) reply {
	switch in.kind {
	case instrWatch:
		return reply{err: e.watchPath(in.path)}
	case instrUnwatch:
		return reply{err: e.unwatchPath(in.path)}
	case instrList:
		return reply{watches: e.reg.snapshot()}
	}
	return reply{err: ErrNotImplemented}
}

// release tears down every watch, waits until no read can still complete
// into a watch buffer, then closes the port.
func (e *engine) release() error {
	if e.released {
		return nil
	}
	e.released = true
	err := e.reg.closeAll()
	for len(e.reg.draining) > 0 {
		c, werr := e.port.wait()
		if werr != nil {
			err = errors.Join(err, werr)
			break
		}
		if c.key != 0 {
			e.reg.reclaim(c.key)
		}
	}
	if cerr := e.port.close(); cerr != nil {
		err = errors.Join(err, pathErr("close", "", cerr))
	}
	if err != nil {
		e.logger.Warn("notify: release", slog.Any("error", err))
	}
	return err
}

func (e *engine) releaseAfterPanic() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notify: release after panic", slog.Any("panic", r))
		}
	}()
	_ = e.release()
}

func (e *engine) send(r Result) {
	if err := e.stream.send(r); err != nil {
		e.logger.Warn("notify: event dropped", slog.Any("error", err))
	}
}

func (e *engine) emitErr(err error) {
	e.send(Result{Err: err})
}

// arm submits the next read on w.
func (e *engine) arm(w *watch) error {
	if err := e.port.read(w.handle, w.buf); err != nil {
		return err
	}
	w.pending = true
	return nil
}

// rearm resubmits the read on a live watch after a completion.
func (e *engine) rearm(w *watch) {
	if e.reg.byKey[w.key] != w {
		return
	}
	err := e.arm(w)
	switch {
	case err == nil:
	case errors.Is(err, errAccessDenied):
		e.gone(w)
	default:
		e.emitErr(pathErr("read", w.path, err))
		e.teardown(w)
	}
}

// complete handles one finished read.
func (e *engine) complete(c completion) {
	w, ok := e.reg.byKey[c.key]
	if !ok {
		e.reg.reclaim(c.key)
		return
	}
	w.pending = false

	switch {
	case c.err == nil:
	case errors.Is(c.err, errAborted):
		e.rearm(w)
		return
	case errors.Is(c.err, errAccessDenied):
		e.gone(w)
		return
	case errors.Is(c.err, errMoreData):
		e.logger.Warn("notify: change buffer too small, records lost",
			slog.String("path", w.path),
			slog.Int("buffer", len(w.buf)))
	case errors.Is(c.err, ErrOverflow):
		e.emitErr(&PathError{Op: "read", Path: w.path, Err: ErrOverflow})
	default:
		err := pathErr("read", w.path, c.err)
		e.logger.Warn("notify: watch failed", slog.Any("error", err))
		e.emitErr(err)
		e.teardown(w)
		return
	}

	if c.n > 0 {
		e.process(w, w.buf[:c.n])
	}
	e.rearm(w)
}

// gone handles a watch whose directory the kernel no longer watches.
func (e *engine) gone(w *watch) {
	if w.isRoot() && e.cfg.wants(Delete) {
		e.send(Result{Event: Event{Path: w.path, Op: Delete | IsDir}})
	}
	e.teardown(w)
}

func (e *engine) teardown(w *watch) {
	if err := e.reg.remove(w); err != nil {
		e.logger.Warn("notify: teardown", slog.String("path", w.path), slog.Any("error", err))
	}
}

// process decodes one completed read and delivers its events.
func (e *engine) process(w *watch, raw []byte) {
	changes, err := e.port.decode(raw)
	if err != nil {
		e.emitErr(pathErr("decode", w.path, err))
	}

	dir := w.path
	used := make([]bool, len(changes))
	for i, c := range changes {
		if used[i] {
			continue
		}
		used[i] = true
		ev := Event{Path: join(dir, c.name), Op: c.op}

		switch c.half {
		case moveFrom:
			if j := pairOf(changes, used, i); j >= 0 {
				used[j] = true
				to := changes[j]
				ev = Event{Path: join(dir, to.name), OldPath: ev.Path, Op: to.op | c.op&IsDir}
				e.renamed(w, ev.OldPath, ev.Path, ev.Op)
			} else {
				e.movedAway(ev.Path)
			}
		case moveTo:
			ev.Op = e.dirHint(w, ev)
			if ev.Op.Has(IsDir) {
				e.autoSubscribe(w, ev.Path)
			}
		default:
			if c.op.Has(Create) {
				ev.Op = e.dirHint(w, ev)
				if ev.Op.Has(IsDir) {
					e.autoSubscribe(w, ev.Path)
				}
			}
		}

		if e.cfg.wants(ev.Op) {
			e.send(Result{Event: ev})
		}
	}
}

// pairOf finds the moveTo half matching the moveFrom at i: the same cookie
// when the platform supplies one, otherwise the record right after it.
func pairOf(changes []change, used []bool, i int) int {
	from := changes[i]
	if from.cookie != 0 {
		for j := i + 1; j < len(changes); j++ {
			if !used[j] && changes[j].half == moveTo && changes[j].cookie == from.cookie {
				return j
			}
		}
		return -1
	}
	if j := i + 1; j < len(changes) && !used[j] && changes[j].half == moveTo && changes[j].cookie == 0 {
		return j
	}
	return -1
}

// dirHint sets IsDir on a create or move-in the port could not classify,
// when the answer matters for recursion.
func (e *engine) dirHint(w *watch, ev Event) Op {
	if ev.Op.Has(IsDir) || w.budget == 0 {
		return ev.Op
	}
	stat := os.Lstat
	if e.cfg.FollowSymlinks {
		stat = os.Stat
	}
	if fi, err := stat(ev.Path); err == nil && fi.IsDir() {
		return ev.Op | IsDir
	}
	return ev.Op
}

// renamed relabels the watches of a directory renamed within view, or
// subscribes it if it was not watched before.
func (e *engine) renamed(w *watch, from, to string, op Op) {
	if len(e.reg.under(from)) > 0 {
		e.reg.relabel(from, to)
		return
	}
	if e.dirHint(w, Event{Path: to, Op: op}).Has(IsDir) {
		e.autoSubscribe(w, to)
	}
}

// movedAway tears down the watches of a directory that left view. Watches
// still reached by an explicitly watched directory that moved with it
// stay, labelled with their old path.
func (e *engine) movedAway(dir string) {
	moving := e.reg.under(dir)
	if len(moving) == 0 {
		return
	}
	inside := make(map[uint64]bool, len(moving))
	for _, w := range moving {
		inside[w.key] = true
	}
	for _, w := range moving {
		kept := false
		for k := range w.roots {
			if inside[k] {
				kept = true
			} else {
				delete(w.roots, k)
			}
		}
		if !kept {
			e.teardown(w)
		}
	}
}

func (e *engine) autoSubscribe(parent *watch, dir string) {
	if parent.budget == 0 {
		return
	}
	if f := e.cfg.RecursionFilter; f != nil && !f(dir) {
		return
	}
	if _, err := e.subscribe(dir, descend(parent.budget), parent.roots); err != nil {
		e.emitErr(err)
	}
}

func join(dir, name string) string {
	if name == "" {
		return dir
	}
	return filepath.Join(dir, name)
}
