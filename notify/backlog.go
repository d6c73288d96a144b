package notify

import (
	"encoding/binary"
	"errors"
	"sync"
)

var (
	errReadPending = errors.New("notify: read already pending")
	errShortRecord = errors.New("notify: truncated change record")
)

// recordHeader is the size of an encoded change record without its name:
// op (4), half (1), padding (3), cookie (4), name length (4).
const recordHeader = 16

// encodeRecord is the record format used by ports that translate kernel
// events themselves rather than handing native records to decode.
func encodeRecord(c change) []byte {
	rec := make([]byte, recordHeader+len(c.name))
	binary.LittleEndian.PutUint32(rec[0:], uint32(c.op))
	rec[4] = byte(c.half)
	binary.LittleEndian.PutUint32(rec[8:], c.cookie)
	binary.LittleEndian.PutUint32(rec[12:], uint32(len(c.name)))
	copy(rec[recordHeader:], c.name)
	return rec
}

// decodeRecords parses a buffer of encodeRecord output.
func decodeRecords(buf []byte) ([]change, error) {
	var out []change
	for off := 0; off < len(buf); {
		if len(buf)-off < recordHeader {
			return out, errShortRecord
		}
		h := buf[off : off+recordHeader]
		nameLen := int(binary.LittleEndian.Uint32(h[12:]))
		off += recordHeader
		if len(buf)-off < nameLen {
			return out, errShortRecord
		}
		out = append(out, change{
			op:     Op(binary.LittleEndian.Uint32(h[0:])),
			half:   moveHalf(h[4]),
			cookie: binary.LittleEndian.Uint32(h[8:]),
			name:   string(buf[off : off+nameLen]),
		})
		off += nameLen
	}
	return out, nil
}

// slot is the per-watch state of a readiness-based port emulating
// completion semantics: records received while no read is armed wait in
// backlog until the next read.
type slot struct {
	buf     []byte
	armed   bool
	backlog [][]byte
	gone    bool
	dirty   bool
}

// slotTable turns a stream of encoded records per key into one completion
// per armed read. Ports built on readiness notification (inotify, FSEvents)
// push records and call flush once per batch so that records the kernel
// delivered together land in the same completion.
type slotTable struct {
	mu     sync.Mutex
	slots  map[uint64]*slot
	dirty  []uint64
	ready  []completion
	signal chan struct{}
}

func newSlotTable() *slotTable {
	return &slotTable{
		slots:  make(map[uint64]*slot),
		signal: make(chan struct{}, 1),
	}
}

func (t *slotTable) add(key uint64) {
	t.mu.Lock()
	t.slots[key] = &slot{}
	t.mu.Unlock()
}

// remove forgets key and anything still queued for it. Completions already
// in the ready queue are kept.
func (t *slotTable) remove(key uint64) {
	t.mu.Lock()
	delete(t.slots, key)
	t.mu.Unlock()
}

// arm records buf as the destination of the next completion for key.
func (t *slotTable) arm(key uint64, buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[key]
	if !ok {
		return errAccessDenied
	}
	if s.armed {
		return errReadPending
	}
	if len(s.backlog) == 0 && s.gone {
		return errAccessDenied
	}
	s.buf, s.armed = buf, true
	if len(s.backlog) > 0 {
		t.fillLocked(key, s)
	}
	return nil
}

// push queues one encoded record for key. It reports false for keys that
// are not in the table.
func (t *slotTable) push(key uint64, rec []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[key]
	if !ok {
		return false
	}
	s.backlog = append(s.backlog, rec)
	t.markDirtyLocked(key, s)
	return true
}

// markGone records that the kernel stopped watching key. Records already
// queued are still delivered; the read after them fails with
// errAccessDenied.
func (t *slotTable) markGone(key uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.slots[key]; ok && !s.gone {
		s.gone = true
		t.markDirtyLocked(key, s)
	}
}

// flush completes every armed read that gained records, or lost its
// target, since the previous flush.
func (t *slotTable) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range t.dirty {
		s, ok := t.slots[key]
		if !ok {
			continue
		}
		s.dirty = false
		if !s.armed {
			continue
		}
		if len(s.backlog) > 0 {
			t.fillLocked(key, s)
		} else if s.gone {
			s.buf, s.armed = nil, false
			t.enqueueLocked(completion{key: key, err: errAccessDenied})
		}
	}
	t.dirty = t.dirty[:0]
}

// cancel aborts an armed read for key.
func (t *slotTable) cancel(key uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.slots[key]; ok && s.armed {
		s.buf, s.armed = nil, false
		t.enqueueLocked(completion{key: key, err: errAborted})
	}
}

// post queues a completion that is not tied to an armed read.
func (t *slotTable) post(c completion) {
	t.mu.Lock()
	t.enqueueLocked(c)
	t.mu.Unlock()
}

// pop returns the oldest ready completion.
func (t *slotTable) pop() (completion, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ready) == 0 {
		return completion{}, false
	}
	c := t.ready[0]
	t.ready = t.ready[1:]
	return c, true
}

func (t *slotTable) markDirtyLocked(key uint64, s *slot) {
	if !s.dirty {
		s.dirty = true
		t.dirty = append(t.dirty, key)
	}
}

// fillLocked copies whole records into the armed buffer. Records that do
// not fit stay queued for the next read; a single record larger than the
// whole buffer is dropped and reported as errMoreData.
func (t *slotTable) fillLocked(key uint64, s *slot) {
	var (
		n   int
		err error
	)
	for len(s.backlog) > 0 {
		rec := s.backlog[0]
		if n+len(rec) > len(s.buf) {
			if n == 0 {
				s.backlog = s.backlog[1:]
				err = errMoreData
			}
			break
		}
		n += copy(s.buf[n:], rec)
		s.backlog = s.backlog[1:]
	}
	s.buf, s.armed = nil, false
	t.enqueueLocked(completion{key: key, n: n, err: err})
}

func (t *slotTable) enqueueLocked(c completion) {
	t.ready = append(t.ready, c)
	select {
	case t.signal <- struct{}{}:
	default:
	}
}
