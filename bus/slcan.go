package bus

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gavinwade12/dpload/logging"
	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// SLCANBaudRate is the serial speed used to talk to SLCAN adapters. USB CDC
// adapters ignore it.
const SLCANBaudRate = 115200

var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// SLCAN is a serial line CAN adapter (Lawicel protocol).
type SLCAN struct {
	*queue
	port   io.ReadWriteCloser
	logger logging.Logger

	wmu sync.Mutex
}

// OpenSLCAN opens the serial port, configures the bitrate and opens the
// CAN channel.
func OpenSLCAN(portName string, bitrate int, l logging.Logger) (*SLCAN, error) {
	l = logging.OrNop(l)
	code, ok := slcanBitrates[bitrate]
	if !ok {
		return nil, errors.Errorf("unsupported SLCAN bitrate %d", bitrate)
	}

	l.Debugf("opening serial port %s", portName)
	sp, err := serial.Open(portName, &serial.Mode{
		BaudRate: SLCANBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening serial port '%s'", portName)
	}
	if err = sp.ResetInputBuffer(); err != nil {
		sp.Close()
		return nil, errors.Wrap(err, "resetting input buffer")
	}

	s := newSLCAN(sp, l)
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if err := s.write(cmd); err != nil {
			sp.Close()
			return nil, errors.Wrapf(err, "sending SLCAN command %q", strings.TrimSpace(cmd))
		}
	}
	go s.readLoop()
	return s, nil
}

func newSLCAN(port io.ReadWriteCloser, l logging.Logger) *SLCAN {
	return &SLCAN{queue: newQueue(), port: port, logger: l}
}

func (s *SLCAN) write(line string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := io.WriteString(s.port, line)
	return err
}

func (s *SLCAN) readLoop() {
	r := bufio.NewReader(s.port)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			select {
			case <-s.closed():
			default:
				s.logger.Debugf("slcan read: %v", err)
				s.close()
			}
			return
		}

		line = strings.TrimLeft(line, "\a\n")
		if line == "" || (line[0] != 't' && line[0] != 'T') {
			continue
		}
		f, err := DecodeSLCAN(line)
		if err != nil {
			s.logger.Debugf("dropping SLCAN line %q: %v", line, err)
			continue
		}
		s.deliver(f)
	}
}

func (s *SLCAN) Send(f Frame) error {
	select {
	case <-s.closed():
		return ErrClosed
	default:
	}
	line, err := EncodeSLCAN(f)
	if err != nil {
		return err
	}
	return errors.Wrap(s.write(line), "writing SLCAN frame")
}

func (s *SLCAN) SendPeriodic(f Frame, period time.Duration) (PeriodicTask, error) {
	return startPeriodic(s.Send, f, period, s.closed(), s.logger), nil
}

func (s *SLCAN) Close() error {
	s.write("C\r")
	s.close()
	return s.port.Close()
}

// EncodeSLCAN converts a data frame into its SLCAN transmit command.
func EncodeSLCAN(f Frame) (string, error) {
	if len(f.Data) > 8 {
		return "", errors.Errorf("frame payload of %d bytes exceeds 8", len(f.Data))
	}

	var b strings.Builder
	if f.Extended {
		b.WriteByte('T')
		b.WriteString(fmt.Sprintf("%08X", f.ID&0x1FFFFFFF))
	} else {
		b.WriteByte('t')
		b.WriteString(fmt.Sprintf("%03X", f.ID&0x7FF))
	}
	b.WriteByte('0' + byte(len(f.Data)))
	b.WriteString(strings.ToUpper(hex.EncodeToString(f.Data)))
	b.WriteByte('\r')
	return b.String(), nil
}

// DecodeSLCAN parses a received t/T line.
func DecodeSLCAN(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return Frame{}, errors.New("empty line")
	}

	idLen := 3
	f := Frame{Rx: true}
	switch line[0] {
	case 't':
	case 'T':
		idLen = 8
		f.Extended = true
	default:
		return Frame{}, errors.Errorf("not a data frame: %q", line[0])
	}
	if len(line) < 1+idLen+1 {
		return Frame{}, errors.New("line too short")
	}

	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return Frame{}, errors.Wrap(err, "parsing identifier")
	}
	f.ID = uint32(id)

	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > 8 {
		return Frame{}, errors.Errorf("invalid DLC %d", dlc)
	}
	data := line[2+idLen:]
	if len(data) < dlc*2 {
		return Frame{}, errors.Errorf("expected %d data bytes", dlc)
	}
	if f.Data, err = hex.DecodeString(data[:dlc*2]); err != nil {
		return Frame{}, errors.Wrap(err, "parsing data")
	}
	return f, nil
}
