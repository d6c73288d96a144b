//go:build linux

package notify

import (
	"errors"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() {
	platformFactory = newInotifyPort
}

// inotifyReadSize is the size of the buffer the port reads the inotify fd
// into. Each record is SizeofInotifyEvent (16 bytes) plus up to NAME_MAX+1
// bytes of padded name.
const inotifyReadSize = 64 * (unix.SizeofInotifyEvent + unix.NAME_MAX + 1)

// inotifyHandle is a directory validated with an O_DIRECTORY open and
// identified by its device and inode. The fd is released once the identity
// is known: an open fd keeps the inode alive and delays IN_DELETE_SELF.
// The inotify watch itself is added by path in associate.
type inotifyHandle struct {
	path string
	id   Identity
	wd   int
	key  uint64
}

func (h *inotifyHandle) identity() (Identity, error) { return h.id, nil }

// inotifyPort emulates completion semantics on top of one inotify
// instance. wait polls the inotify fd and a self-pipe: wake writes one byte
// to the pipe, which unblocks poll(2).
type inotifyPort struct {
	ifd    int
	pipeR  int
	pipeW  int
	mask   uint32
	follow bool

	slots *slotTable
	keys  map[int32]uint64 // watch descriptor -> watch key
	buf   []byte

	mu     sync.Mutex
	closed bool
}

func newInotifyPort(cfg Config) (port, error) {
	ifd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, &PathError{Op: "inotify_init1", Err: err}
	}
	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(ifd)
		return nil, &PathError{Op: "pipe2", Err: err}
	}
	return &inotifyPort{
		ifd:    ifd,
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
		mask:   inotifyMask(cfg.Subscribe, cfg.IsRecursive()),
		follow: cfg.FollowSymlinks,
		slots:  newSlotTable(),
		keys:   make(map[int32]uint64),
		buf:    make([]byte, inotifyReadSize),
	}, nil
}

// inotifyMask narrows the kernel mask to the subscribed operations. Moves
// and self-deletion are always requested because the engine needs them to
// keep watch paths current.
func inotifyMask(ops Op, recursive bool) uint32 {
	m := uint32(unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_MOVE_SELF |
		unix.IN_DELETE_SELF | unix.IN_ONLYDIR | unix.IN_EXCL_UNLINK)
	if recursive || ops&Create != 0 {
		m |= unix.IN_CREATE
	}
	if ops&Delete != 0 {
		m |= unix.IN_DELETE
	}
	if ops&Access != 0 {
		m |= unix.IN_ACCESS
	}
	if ops&Attrib != 0 {
		m |= unix.IN_ATTRIB
	}
	if ops&Modify != 0 {
		m |= unix.IN_MODIFY
	}
	if ops&Open != 0 {
		m |= unix.IN_OPEN
	}
	if ops&CloseWrite != 0 {
		m |= unix.IN_CLOSE_WRITE
	}
	if ops&CloseNoWrite != 0 {
		m |= unix.IN_CLOSE_NOWRITE
	}
	return m
}

func (p *inotifyPort) open(path string) (handle, error) {
	flags := unix.O_RDONLY | unix.O_DIRECTORY | unix.O_CLOEXEC
	if !p.follow {
		flags |= unix.O_NOFOLLOW
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	err = unix.Fstat(fd, &st)
	unix.Close(fd)
	if err != nil {
		return nil, err
	}
	return &inotifyHandle{
		path: path,
		id:   Identity{Volume: uint64(st.Dev), Index: uint64(st.Ino)},
		wd:   -1,
	}, nil
}

func (p *inotifyPort) associate(h handle, key uint64) error {
	ih := h.(*inotifyHandle)
	mask := p.mask
	if !p.follow {
		mask |= unix.IN_DONT_FOLLOW
	}
	wd, err := unix.InotifyAddWatch(p.ifd, ih.path, mask)
	if err != nil {
		return err
	}
	ih.wd, ih.key = wd, key
	p.keys[int32(wd)] = key
	p.slots.add(key)
	return nil
}

func (p *inotifyPort) read(h handle, buf []byte) error {
	return p.slots.arm(h.(*inotifyHandle).key, buf)
}

func (p *inotifyPort) cancel(h handle) error {
	p.slots.cancel(h.(*inotifyHandle).key)
	return nil
}

func (p *inotifyPort) closeHandle(h handle) error {
	ih := h.(*inotifyHandle)
	var errs []error
	if ih.wd >= 0 {
		// After IN_IGNORED the wd no longer maps to this watch and the
		// kernel may have handed it to a newer one, so it must not be removed.
		if k, ok := p.keys[int32(ih.wd)]; ok && k == ih.key {
			if _, err := unix.InotifyRmWatch(p.ifd, uint32(ih.wd)); err != nil && !errors.Is(err, unix.EINVAL) {
				errs = append(errs, err)
			}
			delete(p.keys, int32(ih.wd))
		}
		p.slots.remove(ih.key)
		ih.wd = -1
	}
	return errors.Join(errs...)
}

func (p *inotifyPort) wait() (completion, error) {
	// Use poll(2) to multiplex between inotify records (ifd) and the wake
	// signal (pipeR). Timeout of -1 means block indefinitely.
	pollFds := []unix.PollFd{
		{Fd: int32(p.ifd), Events: unix.POLLIN},
		{Fd: int32(p.pipeR), Events: unix.POLLIN},
	}
	for {
		if c, ok := p.slots.pop(); ok {
			return c, nil
		}

		pollFds[0].Revents, pollFds[1].Revents = 0, 0
		if _, err := unix.Poll(pollFds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return completion{}, err
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			p.drainPipe()
			return completion{}, nil
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(p.ifd, p.buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return completion{}, err
		}
		p.demux(p.buf[:n])
		p.slots.flush()
	}
}

func (p *inotifyPort) drainPipe() {
	var b [64]byte
	for {
		if n, err := unix.Read(p.pipeR, b[:]); n <= 0 || err != nil {
			return
		}
	}
}

// demux splits a raw inotify read into per-watch records.
//
// The binary layout of each inotify_event is:
//
//	struct inotify_event {
//	    int32_t  wd;      // 4 bytes: watch descriptor
//	    uint32_t mask;    // 4 bytes: event mask
//	    uint32_t cookie;  // 4 bytes: rename correlation cookie
//	    uint32_t len;     // 4 bytes: length of name field (incl. null padding)
//	    char     name[];  // len bytes, NUL-terminated + null-padded
//	}
func (p *inotifyPort) demux(buf []byte) {
	for offset := 0; offset+unix.SizeofInotifyEvent <= len(buf); {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		size := unix.SizeofInotifyEvent + int(ev.Len)
		if offset+size > len(buf) {
			return
		}
		rec := buf[offset : offset+size]
		offset += size

		// IN_Q_OVERFLOW is delivered with wd == -1 when the kernel dropped
		// events.
		if ev.Mask&unix.IN_Q_OVERFLOW != 0 {
			p.slots.post(completion{err: ErrOverflow})
			continue
		}
		key, ok := p.keys[ev.Wd]
		if !ok {
			continue
		}
		switch {
		case ev.Mask&unix.IN_IGNORED != 0:
			delete(p.keys, ev.Wd)
			p.slots.markGone(key)
		case ev.Mask&unix.IN_DELETE_SELF != 0:
			p.slots.markGone(key)
		default:
			p.slots.push(key, append([]byte(nil), rec...))
		}
	}
}

func (p *inotifyPort) decode(buf []byte) ([]change, error) {
	var out []change
	for offset := 0; offset < len(buf); {
		if len(buf)-offset < unix.SizeofInotifyEvent {
			return out, errShortRecord
		}
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += unix.SizeofInotifyEvent

		var name string
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				return out, errShortRecord
			}
			// The name field is NUL-terminated and may have additional NUL
			// padding to align to a 4-byte boundary.
			name = strings.TrimRight(string(buf[offset:offset+int(ev.Len)]), "\x00")
			offset += int(ev.Len)
		}

		if c, ok := inotifyChange(ev.Mask, ev.Cookie, name); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func inotifyChange(mask, cookie uint32, name string) (change, bool) {
	c := change{name: name}
	switch {
	case mask&unix.IN_MOVED_FROM != 0:
		c.op, c.half, c.cookie = Move, moveFrom, cookie
	case mask&unix.IN_MOVED_TO != 0:
		c.op, c.half, c.cookie = Move, moveTo, cookie
	case mask&unix.IN_MOVE_SELF != 0:
		c.op, c.name = Move, ""
	case mask&unix.IN_CREATE != 0:
		c.op = Create
	case mask&unix.IN_DELETE != 0:
		c.op = Delete
	case mask&unix.IN_MODIFY != 0:
		c.op = Modify
	case mask&unix.IN_ATTRIB != 0:
		c.op = Attrib
	case mask&unix.IN_ACCESS != 0:
		c.op = Access
	case mask&unix.IN_OPEN != 0:
		c.op = Open
	case mask&unix.IN_CLOSE_WRITE != 0:
		c.op = CloseWrite
	case mask&unix.IN_CLOSE_NOWRITE != 0:
		c.op = CloseNoWrite
	case mask&unix.IN_UNMOUNT != 0:
		c.op = Unmount
	default:
		return change{}, false
	}
	if mask&unix.IN_ISDIR != 0 {
		c.op |= IsDir
	}
	return c, true
}

func (p *inotifyPort) wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, err := unix.Write(p.pipeW, []byte{0}); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func (p *inotifyPort) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(unix.Close(p.pipeW), unix.Close(p.pipeR), unix.Close(p.ifd))
}
