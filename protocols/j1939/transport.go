package j1939

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gavinwade12/dpload/bus"
	"github.com/gavinwade12/dpload/logging"
	"github.com/pkg/errors"
)

// ErrAborted is returned when the sender aborts a transport session.
var ErrAborted = errors.New("transport session aborted")

const (
	// RTSGrace extends the request deadline whenever a connection
	// management message arrives, giving the sender time to stage data.
	RTSGrace = 1250 * time.Millisecond
	// SegmentGrace extends the request deadline on every data transfer frame.
	SegmentGrace = 200 * time.Millisecond

	pollInterval = 50 * time.Millisecond
	noMaxPackets = 0xFF
)

// ConnectionRequest is the content of an RTS or BAM announcement.
type ConnectionRequest struct {
	Control    byte
	TotalBytes int
	Packets    int
	MaxPackets int
	PGN        uint32
}

// ParseConnectionRequest decodes an RTS or BAM connection management frame.
func ParseConnectionRequest(data []byte) (ConnectionRequest, error) {
	if len(data) < 8 {
		return ConnectionRequest{}, errors.Errorf("connection management frame has %d bytes", len(data))
	}
	cr := ConnectionRequest{
		Control:    data[0],
		TotalBytes: int(binary.LittleEndian.Uint16(data[1:3])),
		Packets:    int(data[3]),
		MaxPackets: int(data[4]),
		PGN:        pgnFromBytes(data[5:8]),
	}
	if cr.Control != TPControlRTS && cr.Control != TPControlBAM {
		return ConnectionRequest{}, errors.Errorf("control byte %d is not RTS or BAM", cr.Control)
	}
	return cr, nil
}

func pgnBytes(pgn uint32) []byte {
	return []byte{byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
}

func pgnFromBytes(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// Session reassembles one multi-packet transfer. Segments carry seven
// payload bytes each and are numbered from 1.
type Session struct {
	PGN          uint32
	TotalBytes   int
	TotalPackets int

	buf     []byte
	pending map[int]struct{}
}

// NewSession prepares reassembly of totalBytes spread over totalPackets segments.
func NewSession(pgn uint32, totalBytes, totalPackets int) (*Session, error) {
	if totalBytes > TPMaxBytes || totalPackets < 1 || totalPackets*7 < totalBytes || totalPackets > 255 {
		return nil, errors.Errorf("invalid transfer of %d bytes in %d packets", totalBytes, totalPackets)
	}
	s := &Session{
		PGN:          pgn,
		TotalBytes:   totalBytes,
		TotalPackets: totalPackets,
		buf:          make([]byte, totalPackets*7),
		pending:      make(map[int]struct{}, totalPackets),
	}
	for seq := 1; seq <= totalPackets; seq++ {
		s.pending[seq] = struct{}{}
	}
	return s, nil
}

// Accept stores a data transfer frame. It reports whether the session is
// complete. Repeated segments are ignored.
func (s *Session) Accept(data []byte) (bool, error) {
	if len(data) < 1 {
		return s.Done(), errors.New("empty data transfer frame")
	}
	seq := int(data[0])
	if seq < 1 || seq > s.TotalPackets {
		return s.Done(), errors.Errorf("sequence %d outside 1..%d", seq, s.TotalPackets)
	}
	if _, ok := s.pending[seq]; ok {
		copy(s.buf[(seq-1)*7:seq*7], data[1:])
		delete(s.pending, seq)
	}
	return s.Done(), nil
}

// Pending returns the number of segments still missing.
func (s *Session) Pending() int { return len(s.pending) }

// Done reports whether every segment arrived.
func (s *Session) Done() bool { return len(s.pending) == 0 }

// pendingIn reports whether any segment in [from, from+n) is missing.
func (s *Session) pendingIn(from, n int) bool {
	for seq := from; seq < from+n; seq++ {
		if _, ok := s.pending[seq]; ok {
			return true
		}
	}
	return false
}

func (s *Session) firstPending() int {
	for seq := 1; seq <= s.TotalPackets; seq++ {
		if _, ok := s.pending[seq]; ok {
			return seq
		}
	}
	return 0
}

// Payload returns the reassembled bytes truncated to the declared length.
func (s *Session) Payload() []byte {
	return s.buf[:s.TotalBytes]
}

// Client sends J1939 messages from a fixed source address.
type Client struct {
	bus    bus.Bus
	sa     byte
	logger logging.Logger
}

// NewClient returns a Client transmitting as sa.
func NewClient(b bus.Bus, sa byte, l logging.Logger) *Client {
	return &Client{bus: b, sa: sa, logger: logging.OrNop(l)}
}

// SourceAddress returns the address the client transmits from.
func (c *Client) SourceAddress() byte { return c.sa }

// SendPGN transmits data as pgn.
func (c *Client) SendPGN(pgn uint32, data []byte, priority byte) error {
	f := bus.Frame{ID: BuildID(pgn, c.sa, priority), Data: data, Extended: true}
	logging.Bytes(c.logger, data, fmt.Sprintf("J1939 TX %08X: ", f.ID))
	return errors.Wrapf(c.bus.Send(f), "sending PGN %d", pgn)
}

// SendPFTo transmits a PDU1 message of format pf to da.
func (c *Client) SendPFTo(pf byte, da byte, data []byte) error {
	return c.SendPGN(PDU1PGN(pf, da), data, DefaultPriority)
}

func (c *Client) sendCTS(da byte, pgn uint32, count, next int) error {
	data := []byte{TPControlCTS, byte(count), byte(next), 0xFF, 0xFF}
	return c.SendPFTo(PFTPCM, da, append(data, pgnBytes(pgn)...))
}

func (c *Client) sendEOMAck(da byte, s *Session) error {
	data := []byte{TPControlEOMAck, byte(s.TotalBytes), byte(s.TotalBytes >> 8), byte(s.TotalPackets), 0xFF}
	return c.SendPFTo(PFTPCM, da, append(data, pgnBytes(s.PGN)...))
}

// RequestPGN asks da for pgn and waits for the answer, either a single frame
// or a transport protocol transfer (RTS/CTS to a node, BAM to the global
// address). Frames queued before the request are discarded. The deadline
// starts at timeout and is extended while a transfer is making progress.
func (c *Client) RequestPGN(ctx context.Context, pgn uint32, da byte, timeout time.Duration) ([]byte, error) {
	if err := bus.Drain(c.bus); err != nil {
		return nil, errors.Wrap(err, "draining receive queue")
	}
	if err := c.SendPFTo(PFRequest, da, pgnBytes(pgn)); err != nil {
		return nil, errors.Wrap(err, "sending request")
	}

	var (
		sess        *Session
		broadcast   bool
		peer        byte
		windowStart int
		windowSize  int
		maxPackets  int
	)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f, err := c.bus.Recv(pollInterval)
		if err != nil {
			return nil, errors.Wrap(err, "receiving")
		}
		if f == nil || !f.Extended {
			continue
		}
		src := SAFromID(f.ID)
		if da != AddrGlobal && src != da {
			continue
		}
		dst := PSFromID(f.ID)

		switch {
		case sess == nil && PFFromID(f.ID) >= 240 && PGNFromID(f.ID) == pgn:
			logging.Bytes(c.logger, f.Data, fmt.Sprintf("J1939 RX %08X: ", f.ID))
			return append([]byte(nil), f.Data...), nil

		case PFFromID(f.ID) == PFTPCM && (dst == c.sa || dst == AddrGlobal) && len(f.Data) > 0:
			deadline = deadline.Add(RTSGrace)
			switch f.Data[0] {
			case TPControlRTS, TPControlBAM:
				cr, err := ParseConnectionRequest(f.Data)
				if err != nil {
					c.logger.Debugf("ignoring connection request: %v", err)
					continue
				}
				if cr.PGN != pgn {
					c.logger.Debugf("ignoring transfer of PGN %d from %d", cr.PGN, src)
					continue
				}
				if sess, err = NewSession(pgn, cr.TotalBytes, cr.Packets); err != nil {
					return nil, err
				}
				peer = src
				broadcast = cr.Control == TPControlBAM
				c.logger.Debugf("transfer of %d bytes in %d packets from %d (bam=%v)",
					cr.TotalBytes, cr.Packets, src, broadcast)
				if broadcast {
					continue
				}
				maxPackets = cr.MaxPackets
				if maxPackets == noMaxPackets || maxPackets == 0 {
					maxPackets = cr.Packets
				}
				windowStart, windowSize = 1, min(maxPackets, cr.Packets)
				if err := c.sendCTS(peer, pgn, windowSize, windowStart); err != nil {
					return nil, errors.Wrap(err, "sending CTS")
				}
			case TPControlAbort:
				if len(f.Data) >= 8 && pgnFromBytes(f.Data[5:8]) == pgn {
					return nil, errors.Wrapf(ErrAborted, "reason %d", f.Data[1])
				}
			}

		case sess != nil && PFFromID(f.ID) == PFTPDT && src == peer:
			done, err := sess.Accept(f.Data)
			if err != nil {
				c.logger.Debugf("ignoring data transfer: %v", err)
				continue
			}
			deadline = deadline.Add(SegmentGrace)
			if done {
				if !broadcast {
					if err := c.sendEOMAck(peer, sess); err != nil {
						return nil, errors.Wrap(err, "sending EOM ACK")
					}
				}
				logging.Bytes(c.logger, sess.Payload(), fmt.Sprintf("J1939 RX PGN %d: ", pgn))
				return sess.Payload(), nil
			}
			if !broadcast && !sess.pendingIn(windowStart, windowSize) {
				windowStart = sess.firstPending()
				windowSize = min(maxPackets, sess.TotalPackets-windowStart+1)
				if err := c.sendCTS(peer, pgn, windowSize, windowStart); err != nil {
					return nil, errors.Wrap(err, "sending CTS")
				}
			}
		}
	}

	return nil, errors.Wrapf(bus.ErrTimeout, "waiting for PGN %d from %d", pgn, da)
}
