package bus

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gavinwade12/dpload/logging"
	"github.com/pkg/errors"
)

// EByteFrameSize is the size of every frame exchanged with an EByte
// CAN-to-Ethernet adapter in TCP server mode.
const EByteFrameSize = 13

// EByte is an EByte CAN-to-Ethernet adapter reached over TCP.
type EByte struct {
	*queue
	conn   net.Conn
	logger logging.Logger

	wmu sync.Mutex
}

// DialEByte connects to the adapter at address (host:port).
func DialEByte(address string, l logging.Logger) (*EByte, error) {
	l = logging.OrNop(l)
	conn, err := net.DialTimeout("tcp", address, 5*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing adapter %s", address)
	}
	l.Debugf("connected to adapter at %s", conn.RemoteAddr())

	e := &EByte{queue: newQueue(), conn: conn, logger: l}
	go e.readLoop()
	return e, nil
}

func (e *EByte) readLoop() {
	buf := make([]byte, EByteFrameSize)
	for {
		if _, err := io.ReadFull(e.conn, buf); err != nil {
			select {
			case <-e.closed():
			default:
				e.logger.Debugf("adapter read: %v", err)
				e.close()
			}
			return
		}
		f, err := ParseEByteFrame(buf)
		if err != nil {
			e.logger.Debugf("dropping adapter frame % x: %v", buf, err)
			continue
		}
		e.deliver(f)
	}
}

func (e *EByte) Send(f Frame) error {
	select {
	case <-e.closed():
		return ErrClosed
	default:
	}
	raw, err := SerializeEByteFrame(f)
	if err != nil {
		return err
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()
	_, err = e.conn.Write(raw)
	return errors.Wrap(err, "writing adapter frame")
}

func (e *EByte) SendPeriodic(f Frame, period time.Duration) (PeriodicTask, error) {
	return startPeriodic(e.Send, f, period, e.closed(), e.logger), nil
}

func (e *EByte) Close() error {
	e.close()
	return e.conn.Close()
}

// ParseEByteFrame decodes the adapter's 13-byte binary frame: a header byte
// (bit 7 extended, bit 6 remote, low nibble DLC), a big endian identifier and
// eight data bytes.
func ParseEByteFrame(raw []byte) (Frame, error) {
	if len(raw) != EByteFrameSize {
		return Frame{}, errors.Errorf("invalid frame size %d", len(raw))
	}
	header := raw[0]
	dlc := int(header & 0x0F)
	if dlc > 8 {
		return Frame{}, errors.Errorf("invalid DLC %d", dlc)
	}
	return Frame{
		ID:       binary.BigEndian.Uint32(raw[1:5]),
		Extended: header&0x80 != 0,
		Data:     append([]byte(nil), raw[5:5+dlc]...),
		Rx:       true,
	}, nil
}

// SerializeEByteFrame encodes f in the adapter's binary format.
func SerializeEByteFrame(f Frame) ([]byte, error) {
	if len(f.Data) > 8 {
		return nil, errors.Errorf("frame payload of %d bytes exceeds 8", len(f.Data))
	}
	buf := make([]byte, EByteFrameSize)
	buf[0] = byte(len(f.Data))
	if f.Extended {
		buf[0] |= 0x80
	}
	binary.BigEndian.PutUint32(buf[1:5], f.ID)
	copy(buf[5:], f.Data)
	return buf, nil
}
