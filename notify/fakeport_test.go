package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// In-memory port
// ---------------------------------------------------------------------------

type fakeHandle struct {
	path string
	id   Identity
	key  uint64
}

func (h *fakeHandle) identity() (Identity, error) { return h.id, nil }

// fakePort opens real directories but produces changes only when a test
// injects them. Paths can be aliased to share an identity.
type fakePort struct {
	slots  *slotTable
	wakeCh chan struct{}
	failCh chan error

	mu         sync.Mutex
	ids        map[string]Identity
	keys       map[Identity]uint64
	live       map[*fakeHandle]bool
	openErr    map[string]error
	nextIndex  uint64
	opened     int
	portClosed bool
	decodeHook func()
}

func newFakePort() *fakePort {
	return &fakePort{
		slots:   newSlotTable(),
		wakeCh:  make(chan struct{}, 1),
		failCh:  make(chan error, 1),
		ids:     make(map[string]Identity),
		keys:    make(map[Identity]uint64),
		live:    make(map[*fakeHandle]bool),
		openErr: make(map[string]error),
	}
}

// alias makes every path resolve to the identity of the first.
func (p *fakePort) alias(paths ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextIndex++
	id := Identity{Volume: 1, Index: p.nextIndex}
	for _, path := range paths {
		p.ids[path] = id
	}
}

func (p *fakePort) failOpen(path string, err error) {
	p.mu.Lock()
	p.openErr[path] = err
	p.mu.Unlock()
}

func (p *fakePort) open(path string) (handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.openErr[path]; err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", path)
	}
	id, ok := p.ids[path]
	if !ok {
		p.nextIndex++
		id = Identity{Volume: 1, Index: p.nextIndex}
		p.ids[path] = id
	}
	h := &fakeHandle{path: path, id: id}
	p.live[h] = true
	p.opened++
	return h, nil
}

func (p *fakePort) associate(h handle, key uint64) error {
	fh := h.(*fakeHandle)
	p.mu.Lock()
	fh.key = key
	p.keys[fh.id] = key
	p.mu.Unlock()
	p.slots.add(key)
	return nil
}

func (p *fakePort) read(h handle, buf []byte) error {
	return p.slots.arm(h.(*fakeHandle).key, buf)
}

func (p *fakePort) cancel(h handle) error {
	p.slots.cancel(h.(*fakeHandle).key)
	return nil
}

func (p *fakePort) closeHandle(h handle) error {
	fh := h.(*fakeHandle)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.live[fh] {
		return errors.New("fake: handle closed twice")
	}
	delete(p.live, fh)
	if fh.key != 0 {
		if p.keys[fh.id] == fh.key {
			delete(p.keys, fh.id)
		}
		p.slots.remove(fh.key)
	}
	return nil
}

func (p *fakePort) decode(buf []byte) ([]change, error) {
	p.mu.Lock()
	hook := p.decodeHook
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return decodeRecords(buf)
}

func (p *fakePort) wait() (completion, error) {
	for {
		if c, ok := p.slots.pop(); ok {
			return c, nil
		}
		select {
		case <-p.wakeCh:
			return completion{}, nil
		case err := <-p.failCh:
			return completion{}, err
		case <-p.slots.signal:
		}
	}
}

func (p *fakePort) wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.portClosed {
		return ErrClosed
	}
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (p *fakePort) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.portClosed {
		return errors.New("fake: port closed twice")
	}
	p.portClosed = true
	return nil
}

// keyFor returns the watch key registered for path's identity.
func (p *fakePort) keyFor(t *testing.T, path string) uint64 {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.keys[p.ids[path]]
	if !ok {
		t.Fatalf("no watch associated for %s", path)
	}
	return key
}

// emit delivers changes to the watch on dir as one batch.
func (p *fakePort) emit(t *testing.T, dir string, changes ...change) {
	t.Helper()
	key := p.keyFor(t, dir)
	for _, c := range changes {
		p.slots.push(key, encodeRecord(c))
	}
	p.slots.flush()
}

// gone simulates the kernel dropping the watch on dir.
func (p *fakePort) gone(t *testing.T, dir string) {
	t.Helper()
	p.slots.markGone(p.keyFor(t, dir))
	p.slots.flush()
}

// complete finishes the armed read on dir with err.
func (p *fakePort) complete(t *testing.T, dir string, err error) {
	t.Helper()
	key := p.keyFor(t, dir)
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.slots.mu.Lock()
		s, ok := p.slots.slots[key]
		if ok && s.armed {
			s.buf, s.armed = nil, false
			p.slots.enqueueLocked(completion{key: key, err: err})
			p.slots.mu.Unlock()
			return
		}
		p.slots.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("read on %s never armed", dir)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (p *fakePort) liveHandles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func (p *fakePort) closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.portClosed
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = quietLogger()
	return cfg
}

// startFake starts a notifier over a fake port and closes it at cleanup.
func startFake(t *testing.T, cfg Config) (*Notifier, *fakePort, *Stream) {
	t.Helper()
	s := NewStream()
	if err := s.attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	fp := newFakePort()
	n := start(s, cfg, fp)
	t.Cleanup(func() {
		_ = n.Close()
		for range s.C() {
		}
	})
	return n, fp, s
}

// nextResult reads one result from s within timeout.
func nextResult(t *testing.T, s *Stream) Result {
	t.Helper()
	select {
	case r, ok := <-s.C():
		if !ok {
			t.Fatal("stream ended")
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result within 2s")
	}
	return Result{}
}

// expectQuiet asserts nothing arrives on s for a short while.
func expectQuiet(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case r := <-s.C():
		t.Fatalf("unexpected result: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func mkdirs(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatalf("MkdirAll %s: %v", p, err)
		}
	}
}

func watchedPaths(t *testing.T, n *Notifier) []string {
	t.Helper()
	infos, err := n.Watches()
	if err != nil {
		t.Fatalf("Watches: %v", err)
	}
	out := make([]string, 0, len(infos))
	for _, wi := range infos {
		out = append(out, wi.Path)
	}
	return out
}
