package bus

import (
	"sync"
	"time"

	"github.com/gavinwade12/dpload/logging"
)

// Virtual is an in-memory bus. Frames passed to Send are recorded and handed
// to the OnSend hook, which may answer by calling Inject. The protocol
// packages test against it.
type Virtual struct {
	*queue
	logger logging.Logger

	mu     sync.Mutex
	sent   []Frame
	onSend func(Frame) error
}

// NewVirtual returns an empty Virtual bus.
func NewVirtual(l logging.Logger) *Virtual {
	return &Virtual{queue: newQueue(), logger: logging.OrNop(l)}
}

// OnSend installs fn to observe every transmitted frame. A non-nil error from
// fn is returned by Send and the frame is not recorded.
func (v *Virtual) OnSend(fn func(Frame) error) {
	v.mu.Lock()
	v.onSend = fn
	v.mu.Unlock()
}

// Inject delivers f to readers as a received frame.
func (v *Virtual) Inject(f Frame) {
	f.Rx = true
	f.Data = append([]byte(nil), f.Data...)
	v.deliver(f)
}

// Sent returns a copy of the frames transmitted so far.
func (v *Virtual) Sent() []Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Frame(nil), v.sent...)
}

func (v *Virtual) Send(f Frame) error {
	select {
	case <-v.closed():
		return ErrClosed
	default:
	}

	f.Data = append([]byte(nil), f.Data...)
	v.mu.Lock()
	fn := v.onSend
	v.mu.Unlock()

	if fn != nil {
		if err := fn(f); err != nil {
			return err
		}
	}

	v.logger.Debugf("virtual TX %s", f)
	v.mu.Lock()
	v.sent = append(v.sent, f)
	v.mu.Unlock()
	return nil
}

func (v *Virtual) SendPeriodic(f Frame, period time.Duration) (PeriodicTask, error) {
	select {
	case <-v.closed():
		return nil, ErrClosed
	default:
	}
	return startPeriodic(v.Send, f, period, v.closed(), v.logger), nil
}

func (v *Virtual) Close() error {
	v.close()
	return nil
}
