package dpload

import (
	"context"
	"sort"
	"time"

	"github.com/gavinwade12/dpload/bus"
	"github.com/gavinwade12/dpload/protocols/j1939"
	"github.com/pkg/errors"
)

const (
	// ScanTimeout is how long address claims are collected.
	ScanTimeout = 2 * time.Second
	// ProbeTimeout is the boot info timeout used when probing a node.
	ProbeTimeout = 100 * time.Millisecond
	// IdentificationTimeout bounds the J1939 identification requests.
	IdentificationTimeout = time.Second
)

// enterBootloader is the memory access sequence that makes a running
// application reset into its bootloader.
var enterBootloader = []byte{0x03, 0x01, 0x04, 0x01, 0x05, 0x09, 0x02, 0x06}

// EnterBootloader asks the application on the node to restart into the
// bootloader. Nothing is answered.
func (c *Connection) EnterBootloader(opts ...CallOption) error {
	cc := c.callConfig(0, opts)
	f := bus.Frame{ID: txID(c.config.SourceAddress, cc.da), Data: enterBootloader, Extended: true}
	return errors.Wrap(c.bus.Send(f), "sending enter bootloader request")
}

// AddressClaim is a node answering the address claim request.
type AddressClaim struct {
	Address byte
	Name    j1939.Name
}

// ScanAddressClaims requests the address claim of every node and collects
// the answers until timeout elapses. Claims are sorted by address, one per
// address.
func (c *Connection) ScanAddressClaims(ctx context.Context, timeout time.Duration) ([]AddressClaim, error) {
	claimed := j1939.BuildID(j1939.PDU1PGN(j1939.PFAddressClaimed, j1939.AddrGlobal), 0, 0)
	if err := c.bus.SetFilters(bus.Filter{ID: claimed, Mask: 0x03FFFF00, Extended: true}); err != nil {
		return nil, errors.Wrap(err, "setting receive filter")
	}
	if err := bus.Drain(c.bus); err != nil {
		return nil, errors.Wrap(err, "draining receive queue")
	}
	if err := c.j1939.SendPFTo(j1939.PFRequest, j1939.AddrGlobal, []byte{0xFF, 0xEE, 0x00}); err != nil {
		return nil, errors.Wrap(err, "requesting address claims")
	}

	seen := make(map[byte]AddressClaim)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := c.bus.Recv(100 * time.Millisecond)
		if err != nil {
			return nil, errors.Wrap(err, "receiving address claims")
		}
		if f == nil || !f.Rx {
			continue
		}
		name, err := j1939.ParseName(f.Data)
		if err != nil {
			c.logger.Debugf("ignoring claim from %d: %v", j1939.SAFromID(f.ID), err)
			continue
		}
		sa := j1939.SAFromID(f.ID)
		seen[sa] = AddressClaim{Address: sa, Name: name}
		c.logger.Debugf("address claim from %d: %s", sa, name)
	}

	claims := make([]AddressClaim, 0, len(seen))
	for _, cl := range seen {
		claims = append(claims, cl)
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].Address < claims[j].Address })
	return claims, nil
}

// Probe reports whether a bootloader answers at the call's node address.
// Only a timeout counts as absence; other failures are returned.
func (c *Connection) Probe(ctx context.Context, opts ...CallOption) (*BootInfo, bool, error) {
	opts = append([]CallOption{Timeout(ProbeTimeout)}, opts...)
	info, err := c.ReadBootInfo(ctx, opts...)
	if errors.Is(err, ErrReadTimeout) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return info, true, nil
}

func (c *Connection) requestText(ctx context.Context, pgn uint32, da byte) (string, error) {
	if err := c.bus.SetFilters(); err != nil {
		return "", errors.Wrap(err, "clearing receive filters")
	}
	data, err := c.j1939.RequestPGN(ctx, pgn, da, IdentificationTimeout)
	if err != nil {
		return "", err
	}
	return j1939.DecodeText(data), nil
}

// ECUIdentification requests the ECU identification PGN from da, which may
// be the global address.
func (c *Connection) ECUIdentification(ctx context.Context, da byte) (string, error) {
	s, err := c.requestText(ctx, j1939.PGNECUID, da)
	if err != nil {
		return "", errors.Wrapf(err, "requesting ECU identification from %d", da)
	}
	c.logger.Debugf("ECU identification of %d: %s", da, s)
	return s, nil
}

// SoftwareIdentification requests the software identification PGN from da.
func (c *Connection) SoftwareIdentification(ctx context.Context, da byte) (string, error) {
	s, err := c.requestText(ctx, j1939.PGNSoftwareID, da)
	if err != nil {
		return "", errors.Wrapf(err, "requesting software identification from %d", da)
	}
	c.logger.Debugf("software identification of %d: %s", da, s)
	return s, nil
}
