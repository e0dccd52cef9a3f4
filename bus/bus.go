// Package bus is the CAN boundary used by the protocol layers: send one
// frame, receive one frame with a bounded wait, restrict delivery with
// filters, and schedule a periodic transmission.
package bus

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrBusy is returned by Send when the adapter queue is temporarily full.
	// Callers may retry.
	ErrBusy = errors.New("bus busy")
	// ErrTimeout is returned when no answer arrived before a deadline.
	ErrTimeout = errors.New("timed out")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("bus closed")
)

// Frame is a single CAN frame.
type Frame struct {
	ID       uint32
	Data     []byte
	Extended bool
	// Rx is set on frames received from the wire, as opposed to local echoes.
	Rx bool
}

func (f Frame) String() string {
	if f.Extended {
		return fmt.Sprintf("%08X [%d] % X", f.ID, len(f.Data), f.Data)
	}
	return fmt.Sprintf("%03X [%d] % X", f.ID, len(f.Data), f.Data)
}

// Filter accepts frames whose identifier matches ID under Mask.
type Filter struct {
	ID       uint32
	Mask     uint32
	Extended bool
}

// Match reports whether f passes the filter.
func (flt Filter) Match(f Frame) bool {
	return f.Extended == flt.Extended && f.ID&flt.Mask == flt.ID&flt.Mask
}

// PeriodicTask is a running periodic transmission.
type PeriodicTask interface {
	// Stop cancels the transmission. Calling Stop more than once is harmless.
	Stop()
}

// Bus is implemented by every adapter.
type Bus interface {
	// Send transmits one frame. A full transmit queue is reported as ErrBusy.
	Send(f Frame) error
	// Recv waits up to timeout for the next frame passing the filters. It
	// returns nil, nil when the wait elapses. A zero timeout polls.
	Recv(timeout time.Duration) (*Frame, error)
	// SetFilters replaces the receive filters. No filters accepts everything.
	SetFilters(filters ...Filter) error
	// SendPeriodic transmits f now and then every period until stopped.
	SendPeriodic(f Frame, period time.Duration) (PeriodicTask, error)
	Close() error
}

// Drain discards every frame currently queued on b.
func Drain(b Bus) error {
	for {
		f, err := b.Recv(0)
		if err != nil {
			return err
		}
		if f == nil {
			return nil
		}
	}
}
