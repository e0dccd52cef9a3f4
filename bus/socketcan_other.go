//go:build !linux

package bus

import (
	"time"

	"github.com/gavinwade12/dpload/logging"
	"github.com/pkg/errors"
)

// SocketCAN is only available on Linux.
type SocketCAN struct{}

// OpenSocketCAN always fails outside Linux.
func OpenSocketCAN(name string, l logging.Logger) (*SocketCAN, error) {
	return nil, errors.New("socketcan is only supported on linux")
}

func (s *SocketCAN) Send(f Frame) error                         { return ErrClosed }
func (s *SocketCAN) Recv(timeout time.Duration) (*Frame, error) { return nil, ErrClosed }
func (s *SocketCAN) SetFilters(filters ...Filter) error         { return ErrClosed }
func (s *SocketCAN) SendPeriodic(f Frame, period time.Duration) (PeriodicTask, error) {
	return nil, ErrClosed
}
func (s *SocketCAN) Close() error { return nil }
