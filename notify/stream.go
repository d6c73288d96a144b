package notify

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
)

// streamBatch is how many queued results the pump moves per Get.
const streamBatch = 64

// endOfStream marks the point after which the pump closes the channel.
type endOfStream struct{}

var errStreamInUse = errors.New("notify: stream already attached to a notifier")

// Stream is the event channel between a Notifier and its consumer. The
// sending end is unbounded so the worker never blocks on a slow consumer;
// the receiving end is C, which is closed once the notifier has shut down
// and every queued result has been received.
type Stream struct {
	q        *queue.Queue
	out      chan Result
	attached atomic.Bool
	endOnce  sync.Once
}

// NewStream returns a Stream ready to be passed to New. The caller must
// keep receiving from C until it is closed.
func NewStream() *Stream {
	s := &Stream{
		q:   queue.New(streamBatch),
		out: make(chan Result),
	}
	go s.pump()
	return s
}

// C returns the receive-only result channel.
func (s *Stream) C() <-chan Result {
	return s.out
}

// attach claims the sending end for one notifier.
func (s *Stream) attach() error {
	if !s.attached.CompareAndSwap(false, true) {
		return errStreamInUse
	}
	return nil
}

func (s *Stream) send(r Result) error {
	if err := s.q.Put(r); err != nil {
		return ErrSending
	}
	return nil
}

// end signals end-of-stream after everything already sent.
func (s *Stream) end() {
	s.endOnce.Do(func() {
		_ = s.q.Put(endOfStream{})
	})
}

func (s *Stream) pump() {
	defer close(s.out)
	for {
		items, err := s.q.Get(streamBatch)
		if err != nil {
			return
		}
		for _, item := range items {
			switch v := item.(type) {
			case Result:
				s.out <- v
			case endOfStream:
				s.q.Dispose()
				return
			}
		}
	}
}
