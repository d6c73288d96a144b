//go:build darwin

package notify

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsevents"
	"golang.org/x/sys/unix"
)

func init() {
	platformFactory = newFSEventsPort
}

// fseventsLatency is how long FSEvents coalesces before delivering. With
// NoDefer the first event of a burst is delivered immediately.
const fseventsLatency = 50 * time.Millisecond

// fseventsHandle is one watched directory with its own event stream. The
// stream reports the whole subtree; only the directory's direct entries
// are kept.
type fseventsHandle struct {
	path string
	real string
	id   Identity
	key  uint64

	es   *fsevents.EventStream
	stop chan struct{}
	done chan struct{}
}

func (h *fseventsHandle) identity() (Identity, error) { return h.id, nil }

// fseventsPort feeds FSEvents callbacks into a slot table; wait selects on
// the table's signal and the wake channel.
type fseventsPort struct {
	follow bool
	slots  *slotTable
	wakeCh chan struct{}

	mu     sync.Mutex
	closed bool
}

func newFSEventsPort(cfg Config) (port, error) {
	return &fseventsPort{
		follow: cfg.FollowSymlinks,
		slots:  newSlotTable(),
		wakeCh: make(chan struct{}, 1),
	}, nil
}

func (p *fseventsPort) open(path string) (handle, error) {
	var st unix.Stat_t
	stat := unix.Lstat
	if p.follow {
		stat = unix.Stat
	}
	if err := stat(path, &st); err != nil {
		return nil, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, unix.ENOTDIR
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		real = path
	}
	return &fseventsHandle{
		path: path,
		real: real,
		id:   Identity{Volume: uint64(uint32(st.Dev)), Index: st.Ino},
	}, nil
}

func (p *fseventsPort) associate(h handle, key uint64) error {
	fh := h.(*fseventsHandle)
	fh.key = key
	fh.es = &fsevents.EventStream{
		Paths:   []string{fh.real},
		Latency: fseventsLatency,
		Flags:   fsevents.FileEvents | fsevents.NoDefer | fsevents.WatchRoot,
	}
	p.slots.add(key)
	if err := fh.es.Start(); err != nil {
		p.slots.remove(key)
		return err
	}
	fh.stop = make(chan struct{})
	fh.done = make(chan struct{})
	go p.forward(fh)
	return nil
}

// forward translates stream batches into slot records until closeHandle.
func (p *fseventsPort) forward(fh *fseventsHandle) {
	defer close(fh.done)
	for {
		select {
		case <-fh.stop:
			return
		case events, ok := <-fh.es.Events:
			if !ok {
				return
			}
			for _, ev := range events {
				p.dispatch(fh, ev)
			}
			p.slots.flush()
		}
	}
}

func (p *fseventsPort) dispatch(fh *fseventsHandle, ev fsevents.Event) {
	path := ev.Path
	if len(path) > 0 && path[0] != '/' {
		path = "/" + path
	}

	if ev.Flags&(fsevents.MustScanSubDirs|fsevents.KernelDropped|fsevents.UserDropped) != 0 {
		p.slots.post(completion{err: &PathError{Op: "read", Path: fh.path, Err: ErrOverflow}})
	}
	if ev.Flags&fsevents.RootChanged != 0 {
		p.slots.markGone(fh.key)
		return
	}

	name, ok := childName(fh.real, path)
	if !ok {
		return
	}
	c, ok := fseventsChange(ev, name, path)
	if !ok {
		return
	}
	if name == "" && c.op&Delete != 0 {
		p.slots.markGone(fh.key)
		return
	}
	p.slots.push(fh.key, encodeRecord(c))
}

// childName returns path relative to dir when it is dir itself or one of
// its direct entries.
func childName(dir, path string) (string, bool) {
	if path == dir {
		return "", true
	}
	rel := strings.TrimPrefix(path, dir+"/")
	if rel == path || rel == "" || strings.Contains(rel, "/") {
		return "", false
	}
	return rel, true
}

func fseventsChange(ev fsevents.Event, name, path string) (change, bool) {
	c := change{name: name}
	f := ev.Flags
	if f&fsevents.ItemCreated != 0 {
		c.op |= Create
	}
	if f&fsevents.ItemRemoved != 0 {
		c.op |= Delete
	}
	if f&fsevents.ItemModified != 0 {
		c.op |= Modify
	}
	if f&(fsevents.ItemInodeMetaMod|fsevents.ItemChangeOwner|fsevents.ItemXattrMod|fsevents.ItemFinderInfoMod) != 0 {
		c.op |= Attrib
	}
	if f&fsevents.Mount != 0 {
		c.op |= Mount
	}
	if f&fsevents.Unmount != 0 {
		c.op |= Unmount
	}
	if f&fsevents.ItemRenamed != 0 {
		// FSEvents reports both halves of a rename with consecutive IDs and
		// the same flag. The half whose path no longer exists is the source.
		c.op |= Move
		if _, err := os.Lstat(path); err != nil {
			c.half, c.cookie = moveFrom, uint32(ev.ID)
		} else {
			c.half, c.cookie = moveTo, uint32(ev.ID-1)
		}
	}
	if c.op == 0 {
		return change{}, false
	}
	if f&fsevents.ItemIsDir != 0 {
		c.op |= IsDir
	}
	return c, true
}

func (p *fseventsPort) read(h handle, buf []byte) error {
	return p.slots.arm(h.(*fseventsHandle).key, buf)
}

func (p *fseventsPort) cancel(h handle) error {
	p.slots.cancel(h.(*fseventsHandle).key)
	return nil
}

func (p *fseventsPort) closeHandle(h handle) error {
	fh := h.(*fseventsHandle)
	if fh.es == nil {
		return nil
	}
	// Stop while forward is still receiving: the FSEvents callback blocks
	// on the Events channel.
	fh.es.Stop()
	close(fh.stop)
	<-fh.done
	fh.es = nil
	p.slots.remove(fh.key)
	return nil
}

func (p *fseventsPort) decode(buf []byte) ([]change, error) {
	return decodeRecords(buf)
}

func (p *fseventsPort) wait() (completion, error) {
	for {
		if c, ok := p.slots.pop(); ok {
			return c, nil
		}
		select {
		case <-p.wakeCh:
			return completion{}, nil
		case <-p.slots.signal:
		}
	}
}

func (p *fseventsPort) wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (p *fseventsPort) close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
