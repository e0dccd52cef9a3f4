// Package frame implements the byte-stuffed, CRC protected command frame
// exchanged with the bootloader:
//
//	SOH cmd payload... crc-lo crc-hi EOT
//
// Every SOH, EOT or DLE byte between the delimiters is preceded by DLE.
package frame

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	SOH byte = 0x01
	EOT byte = 0x04
	DLE byte = 0x10
)

var (
	// ErrIncompleteFrame means more bytes are needed before the frame can be decoded.
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrInvalidFrame is returned for structurally malformed frames.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrCRCMismatch is matched by every *CRCMismatchError.
	ErrCRCMismatch = errors.New("crc mismatch")
)

// CRCMismatchError reports the received and the computed checksum.
type CRCMismatchError struct {
	Expected uint16
	Actual   uint16
}

func (e *CRCMismatchError) Error() string {
	return fmt.Sprintf("crc mismatch: frame carries 0x%04X, computed 0x%04X", e.Expected, e.Actual)
}

func (e *CRCMismatchError) Is(target error) bool {
	return target == ErrCRCMismatch
}

// Frame is a decoded command frame.
type Frame struct {
	Command byte
	Payload []byte
	// Raw is the still escaped wire representation, SOH through EOT.
	Raw []byte
}

func needsEscape(b byte) bool {
	return b == SOH || b == EOT || b == DLE
}

func appendEscaped(dst []byte, b byte) []byte {
	if needsEscape(b) {
		dst = append(dst, DLE)
	}
	return append(dst, b)
}

// Encode builds the wire representation of cmd and payload.
func Encode(cmd byte, payload []byte) []byte {
	out := make([]byte, 0, 2*len(payload)+8)
	out = append(out, SOH)
	out = appendEscaped(out, cmd)
	for _, b := range payload {
		out = appendEscaped(out, b)
	}

	crc := CRC16Seed(payload, CRC16([]byte{cmd}))
	out = appendEscaped(out, byte(crc))
	out = appendEscaped(out, byte(crc>>8))
	return append(out, EOT)
}

// Decode verifies and unpacks the frame at the start of buf. Bytes
// following the terminating EOT are ignored.
func Decode(buf []byte) (Frame, error) {
	if len(buf) == 0 {
		return Frame{}, ErrIncompleteFrame
	}
	if buf[0] != SOH {
		return Frame{}, errors.Wrapf(ErrInvalidFrame, "frame starts with 0x%02x", buf[0])
	}

	body := make([]byte, 0, len(buf))
	end := -1
	for i := 1; i < len(buf) && end < 0; i++ {
		switch b := buf[i]; b {
		case DLE:
			if i+1 >= len(buf) {
				return Frame{}, ErrIncompleteFrame
			}
			// only control bytes are escaped; DLE before anything else is data
			switch buf[i+1] {
			case SOH, EOT, DLE:
				i++
				body = append(body, buf[i])
			default:
				body = append(body, b)
			}
		case EOT:
			end = i
		case SOH:
			return Frame{}, errors.Wrapf(ErrInvalidFrame, "unescaped SOH at offset %d", i)
		default:
			body = append(body, b)
		}
	}
	if end < 0 {
		return Frame{}, ErrIncompleteFrame
	}
	if len(body) < 3 {
		return Frame{}, errors.Wrap(ErrIncompleteFrame, "missing crc")
	}

	data := body[:len(body)-2]
	rx := uint16(body[len(body)-2]) | uint16(body[len(body)-1])<<8
	if crc := CRC16(data); crc != rx {
		return Frame{}, &CRCMismatchError{Expected: rx, Actual: crc}
	}

	return Frame{
		Command: data[0],
		Payload: data[1:],
		Raw:     buf[:end+1],
	}, nil
}

// Reassembler accumulates received chunks until they form a frame.
type Reassembler struct {
	buf []byte
}

// Append adds chunk and attempts a decode. ok is false while the frame is
// still incomplete; any other decode failure is returned as err.
func (r *Reassembler) Append(chunk []byte) (f Frame, ok bool, err error) {
	r.buf = append(r.buf, chunk...)
	f, err = Decode(r.buf)
	if errors.Is(err, ErrIncompleteFrame) {
		return Frame{}, false, nil
	}
	if err != nil {
		return Frame{}, false, err
	}
	return f, true, nil
}

// Buffered returns the bytes accumulated so far.
func (r *Reassembler) Buffered() []byte {
	return r.buf
}

// Reset discards any buffered bytes.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}
