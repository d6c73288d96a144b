//go:build windows

package notify

import (
	"errors"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

func init() {
	platformFactory = newIOCPPort
}

// iocpHandle is a directory handle opened for overlapped I/O. ov must stay
// at a fixed address while a read is outstanding; the handle is heap
// allocated and referenced by its watch until the read completes.
type iocpHandle struct {
	h    windows.Handle
	ov   windows.Overlapped
	path string
	id   Identity
}

func (h *iocpHandle) identity() (Identity, error) { return h.id, nil }

// iocpPort drives ReadDirectoryChangesW through one I/O completion port.
// Every watch is associated with the port under its own key; wake posts a
// completion with key 0 and no OVERLAPPED.
type iocpPort struct {
	cp     windows.Handle
	filter uint32
	follow bool

	mu     sync.Mutex
	closed bool
}

func newIOCPPort(cfg Config) (port, error) {
	cp, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return nil, &PathError{Op: "CreateIoCompletionPort", Err: err}
	}
	return &iocpPort{
		cp:     cp,
		filter: notifyFilter(cfg.Subscribe),
		follow: cfg.FollowSymlinks,
	}, nil
}

// notifyFilter narrows FILE_NOTIFY_CHANGE_* to the subscribed operations.
// Name changes are always requested so creates, deletes and renames keep
// watch paths current.
func notifyFilter(ops Op) uint32 {
	f := uint32(windows.FILE_NOTIFY_CHANGE_FILE_NAME | windows.FILE_NOTIFY_CHANGE_DIR_NAME)
	if ops&Modify != 0 {
		f |= windows.FILE_NOTIFY_CHANGE_LAST_WRITE | windows.FILE_NOTIFY_CHANGE_SIZE
	}
	if ops&Attrib != 0 {
		f |= windows.FILE_NOTIFY_CHANGE_ATTRIBUTES | windows.FILE_NOTIFY_CHANGE_SECURITY |
			windows.FILE_NOTIFY_CHANGE_CREATION
	}
	if ops&Access != 0 {
		f |= windows.FILE_NOTIFY_CHANGE_LAST_ACCESS
	}
	return f
}

func (p *iocpPort) open(path string) (handle, error) {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, ErrPathInvalid
	}
	attrs := uint32(windows.FILE_FLAG_BACKUP_SEMANTICS | windows.FILE_FLAG_OVERLAPPED)
	if !p.follow {
		attrs |= windows.FILE_FLAG_OPEN_REPARSE_POINT
	}
	h, err := windows.CreateFile(name,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		attrs,
		0)
	if err != nil {
		return nil, err
	}

	var fi windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &fi); err != nil {
		windows.CloseHandle(h)
		return nil, err
	}
	if fi.FileAttributes&windows.FILE_ATTRIBUTE_DIRECTORY == 0 {
		windows.CloseHandle(h)
		return nil, windows.ERROR_DIRECTORY
	}
	return &iocpHandle{
		h:    h,
		path: path,
		id: Identity{
			Volume: uint64(fi.VolumeSerialNumber),
			Index:  uint64(fi.FileIndexHigh)<<32 | uint64(fi.FileIndexLow),
		},
	}, nil
}

func (p *iocpPort) associate(h handle, key uint64) error {
	_, err := windows.CreateIoCompletionPort(h.(*iocpHandle).h, p.cp, uintptr(key), 0)
	return err
}

func (p *iocpPort) read(h handle, buf []byte) error {
	ih := h.(*iocpHandle)
	ih.ov = windows.Overlapped{}
	err := windows.ReadDirectoryChanges(ih.h, &buf[0], uint32(len(buf)), false, p.filter, nil, &ih.ov, 0)
	if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
		return errAccessDenied
	}
	return err
}

func (p *iocpPort) cancel(h handle) error {
	ih := h.(*iocpHandle)
	if err := windows.CancelIoEx(ih.h, &ih.ov); err != nil && !errors.Is(err, windows.ERROR_NOT_FOUND) {
		return err
	}
	return nil
}

func (p *iocpPort) closeHandle(h handle) error {
	return windows.CloseHandle(h.(*iocpHandle).h)
}

func (p *iocpPort) wait() (completion, error) {
	var (
		n   uint32
		key uintptr
		ov  *windows.Overlapped
	)
	err := windows.GetQueuedCompletionStatus(p.cp, &n, &key, &ov, windows.INFINITE)
	if ov == nil {
		if err != nil {
			return completion{}, err
		}
		return completion{key: uint64(key)}, nil
	}

	c := completion{key: uint64(key), n: int(n)}
	switch {
	case err == nil && n == 0:
		// The system could not record the changes in the buffer.
		c.err = ErrOverflow
	case err == nil:
	case errors.Is(err, windows.ERROR_NOTIFY_ENUM_DIR):
		c.err = ErrOverflow
	case errors.Is(err, windows.ERROR_MORE_DATA):
		c.err = errMoreData
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		c.err = errAccessDenied
	case errors.Is(err, windows.ERROR_OPERATION_ABORTED):
		c.err = errAborted
	default:
		c.err = err
	}
	return c, nil
}

func (p *iocpPort) decode(buf []byte) ([]change, error) {
	const header = int(unsafe.Offsetof(windows.FileNotifyInformation{}.FileName))
	var out []change
	for offset := 0; offset < len(buf); {
		if len(buf)-offset < header {
			return out, errShortRecord
		}
		raw := (*windows.FileNotifyInformation)(unsafe.Pointer(&buf[offset]))
		if offset+header+int(raw.FileNameLength) > len(buf) {
			return out, errShortRecord
		}
		name := windows.UTF16ToString(unsafe.Slice(&raw.FileName, raw.FileNameLength/2))

		c := change{name: name}
		switch raw.Action {
		case windows.FILE_ACTION_ADDED:
			c.op = Create
		case windows.FILE_ACTION_REMOVED:
			c.op = Delete
		case windows.FILE_ACTION_MODIFIED:
			c.op = Modify
		case windows.FILE_ACTION_RENAMED_OLD_NAME:
			c.op, c.half = Move, moveFrom
		case windows.FILE_ACTION_RENAMED_NEW_NAME:
			c.op, c.half = Move, moveTo
		}
		if c.op != 0 {
			out = append(out, c)
		}

		if raw.NextEntryOffset == 0 {
			break
		}
		offset += int(raw.NextEntryOffset)
	}
	return out, nil
}

func (p *iocpPort) wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return windows.PostQueuedCompletionStatus(p.cp, 0, 0, nil)
}

func (p *iocpPort) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return windows.CloseHandle(p.cp)
}
