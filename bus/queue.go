package bus

import (
	"sync"
	"time"
)

const queueDepth = 1024

// queue is the receive side shared by all adapters. Frames are filtered on
// delivery and again on receive so a filter change also hides frames that
// were queued before it.
type queue struct {
	mu      sync.RWMutex
	filters []Filter

	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newQueue() *queue {
	return &queue{
		frames: make(chan Frame, queueDepth),
		done:   make(chan struct{}),
	}
}

func (q *queue) accepts(f Frame) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.filters) == 0 {
		return true
	}
	for _, flt := range q.filters {
		if flt.Match(f) {
			return true
		}
	}
	return false
}

// deliver hands a received frame to readers, dropping the oldest queued
// frame when the queue is full.
func (q *queue) deliver(f Frame) {
	if !q.accepts(f) {
		return
	}
	for {
		select {
		case <-q.done:
			return
		case q.frames <- f:
			return
		default:
			select {
			case <-q.frames:
			default:
			}
		}
	}
}

func (q *queue) SetFilters(filters ...Filter) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	q.mu.Lock()
	q.filters = append([]Filter(nil), filters...)
	q.mu.Unlock()
	return nil
}

func (q *queue) Recv(timeout time.Duration) (*Frame, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		if timeout <= 0 {
			select {
			case <-q.done:
				return nil, ErrClosed
			case f := <-q.frames:
				if q.accepts(f) {
					return &f, nil
				}
				continue
			default:
				return nil, nil
			}
		}

		select {
		case <-q.done:
			return nil, ErrClosed
		case f := <-q.frames:
			if q.accepts(f) {
				return &f, nil
			}
		case <-expired:
			return nil, nil
		}
	}
}

func (q *queue) closed() <-chan struct{} {
	return q.done
}

func (q *queue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}
