package bus

import (
	"net"
	"time"

	"github.com/brutella/can"
	"github.com/gavinwade12/dpload/logging"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SocketCAN is a Linux SocketCAN network interface such as can0.
type SocketCAN struct {
	*queue
	bus    *can.Bus
	logger logging.Logger
}

// OpenSocketCAN binds to the named interface and starts receiving. The
// interface must already be up with its bitrate configured.
func OpenSocketCAN(name string, l logging.Logger) (*SocketCAN, error) {
	l = logging.OrNop(l)
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, errors.Wrapf(err, "finding interface %s", name)
	}

	conn, err := can.NewReadWriteCloserForInterface(iface)
	if err != nil {
		return nil, errors.Wrapf(err, "opening CAN socket on %s", name)
	}

	s := &SocketCAN{queue: newQueue(), bus: can.NewBus(conn), logger: l}
	s.bus.SubscribeFunc(s.handle)
	go func() {
		if err := s.bus.ConnectAndPublish(); err != nil {
			select {
			case <-s.closed():
			default:
				l.Debugf("socketcan %s receive loop ended: %v", name, err)
			}
		}
	}()

	l.Debugf("opened socketcan interface %s", name)
	return s, nil
}

func (s *SocketCAN) handle(cf can.Frame) {
	f := Frame{
		ID:       cf.ID & unix.CAN_SFF_MASK,
		Extended: cf.ID&unix.CAN_EFF_FLAG != 0,
		Rx:       true,
	}
	if f.Extended {
		f.ID = cf.ID & unix.CAN_EFF_MASK
	}
	n := int(cf.Length)
	if n > len(cf.Data) {
		n = len(cf.Data)
	}
	f.Data = append([]byte(nil), cf.Data[:n]...)
	s.deliver(f)
}

func (s *SocketCAN) Send(f Frame) error {
	if len(f.Data) > 8 {
		return errors.Errorf("frame payload of %d bytes exceeds 8", len(f.Data))
	}
	select {
	case <-s.closed():
		return ErrClosed
	default:
	}

	cf := can.Frame{ID: f.ID & unix.CAN_SFF_MASK, Length: uint8(len(f.Data))}
	if f.Extended {
		cf.ID = f.ID&unix.CAN_EFF_MASK | unix.CAN_EFF_FLAG
	}
	copy(cf.Data[:], f.Data)

	if err := s.bus.Publish(cf); err != nil {
		if errors.Is(err, unix.ENOBUFS) {
			return ErrBusy
		}
		return errors.Wrap(err, "writing CAN frame")
	}
	return nil
}

func (s *SocketCAN) SendPeriodic(f Frame, period time.Duration) (PeriodicTask, error) {
	return startPeriodic(s.Send, f, period, s.closed(), s.logger), nil
}

func (s *SocketCAN) Close() error {
	s.close()
	return s.bus.Disconnect()
}
