// Package dpload talks to the bootloader of a node on the CAN bus. Requests
// are byte-stuffed frames split over consecutive 8-byte CAN frames on the
// DM17 (boot load data) identifier pair of the two nodes.
package dpload

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gavinwade12/dpload/bus"
	"github.com/gavinwade12/dpload/logging"
	"github.com/gavinwade12/dpload/protocols/frame"
	"github.com/gavinwade12/dpload/protocols/j1939"
	"github.com/pkg/errors"
)

const (
	DefaultSourceAddress      byte = 39
	DefaultDestinationAddress byte = 208

	// DefaultSendRetries bounds the retries of a single chunk while the bus
	// reports busy.
	DefaultSendRetries = 10
	sendRetryDelay     = 2 * time.Millisecond

	chunkSize   = 8
	recvPoll    = time.Millisecond
	idMask29Bit = 0x1FFFFFFF
)

var (
	// ErrReadTimeout is returned when no complete response arrives in time.
	ErrReadTimeout = bus.ErrTimeout
	// ErrProtocolMismatch is matched by every *CommandMismatchError.
	ErrProtocolMismatch = errors.New("protocol mismatch")
	// ErrInvalidPayload is returned when a response payload has the wrong shape.
	ErrInvalidPayload = errors.New("invalid response payload")
)

// CommandMismatchError is returned when a node answers a request with a
// different command id.
type CommandMismatchError struct {
	Expected Command
	Actual   byte
}

func (e *CommandMismatchError) Error() string {
	return fmt.Sprintf("expected response to %s (0x%02x), received 0x%02x",
		e.Expected, byte(e.Expected), e.Actual)
}

func (e *CommandMismatchError) Is(target error) bool {
	return target == ErrProtocolMismatch
}

// Config holds the connection settings.
type Config struct {
	SourceAddress      byte
	DestinationAddress byte
	SendRetries        uint
	Logger             logging.Logger
}

// Option configures a Connection.
type Option func(*Config)

func WithSourceAddress(sa byte) Option {
	return func(c *Config) { c.SourceAddress = sa }
}

// WithDestination sets the node addressed when a call does not name one.
func WithDestination(da byte) Option {
	return func(c *Config) { c.DestinationAddress = da }
}

func WithLogger(l logging.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithSendRetries(n uint) Option {
	return func(c *Config) { c.SendRetries = n }
}

// Connection drives the bootloader command channel and the J1939 requests
// for identification data. It is not safe for concurrent use: one exchange
// owns the receive filter until it finishes.
type Connection struct {
	bus    bus.Bus
	j1939  *j1939.Client
	config Config
	logger logging.Logger

	broadcast *Broadcast
}

// NewConnection returns a Connection using b.
func NewConnection(b bus.Bus, opts ...Option) *Connection {
	cfg := Config{
		SourceAddress:      DefaultSourceAddress,
		DestinationAddress: DefaultDestinationAddress,
		SendRetries:        DefaultSendRetries,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Logger = logging.OrNop(cfg.Logger)

	c := &Connection{
		bus:    b,
		j1939:  j1939.NewClient(b, cfg.SourceAddress, cfg.Logger),
		config: cfg,
		logger: cfg.Logger,
	}
	c.broadcast = newBroadcast(b, cfg.SourceAddress, cfg.Logger)
	return c
}

// SourceAddress returns this tool's address.
func (c *Connection) SourceAddress() byte { return c.config.SourceAddress }

// Broadcast returns the start/stop broadcast controller of the connection.
func (c *Connection) Broadcast() *Broadcast { return c.broadcast }

type callConfig struct {
	da      byte
	timeout time.Duration
}

// CallOption overrides the defaults of a single request.
type CallOption func(*callConfig)

// ToNode addresses the request to da instead of the configured destination.
func ToNode(da byte) CallOption {
	return func(c *callConfig) { c.da = da }
}

// Timeout overrides the default timeout of the request.
func Timeout(d time.Duration) CallOption {
	return func(c *callConfig) { c.timeout = d }
}

func (c *Connection) callConfig(def time.Duration, opts []CallOption) callConfig {
	cc := callConfig{da: c.config.DestinationAddress, timeout: def}
	for _, opt := range opts {
		opt(&cc)
	}
	return cc
}

func txID(sa, da byte) uint32 {
	return j1939.BuildID(j1939.PDU1PGN(j1939.PFDM17, da), sa, j1939.DefaultPriority)
}

// Request sends cmd with payload and returns the payload of the matching
// response. The default timeout is one second.
func (c *Connection) Request(ctx context.Context, cmd Command, payload []byte, opts ...CallOption) ([]byte, error) {
	cc := c.callConfig(time.Second, opts)
	return c.request(ctx, cmd, payload, cc)
}

func (c *Connection) request(ctx context.Context, cmd Command, payload []byte, cc callConfig) ([]byte, error) {
	sa, da := c.config.SourceAddress, cc.da
	tx, rx := txID(sa, da), txID(da, sa)

	if err := c.bus.SetFilters(bus.Filter{ID: rx, Mask: idMask29Bit, Extended: true}); err != nil {
		return nil, errors.Wrap(err, "setting receive filter")
	}
	if err := bus.Drain(c.bus); err != nil {
		return nil, errors.Wrap(err, "draining receive queue")
	}

	wire := frame.Encode(byte(cmd), payload)
	logging.Bytes(c.logger, wire, fmt.Sprintf("TX [0x%02x]=>[0x%02x] ", sa, da))
	for off := 0; off < len(wire); off += chunkSize {
		end := off + chunkSize
		if end > len(wire) {
			end = len(wire)
		}
		if err := c.sendChunk(ctx, bus.Frame{ID: tx, Data: wire[off:end], Extended: true}); err != nil {
			return nil, errors.Wrapf(err, "sending %s", cmd)
		}
	}

	var r frame.Reassembler
	deadline := time.Now().Add(cc.timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := c.bus.Recv(recvPoll)
		if err != nil {
			return nil, errors.Wrap(err, "receiving response")
		}
		if f == nil || !f.Rx {
			continue
		}

		resp, ok, err := r.Append(f.Data)
		if err != nil {
			logging.Bytes(c.logger, r.Buffered(), fmt.Sprintf("RX [0x%02x]=>[0x%02x] bad frame: ", da, sa))
			return nil, errors.Wrapf(err, "decoding response to %s", cmd)
		}
		if !ok {
			continue
		}

		logging.Bytes(c.logger, resp.Raw, fmt.Sprintf("RX [0x%02x]=>[0x%02x] ", da, sa))
		if resp.Command != byte(cmd) {
			return nil, &CommandMismatchError{Expected: cmd, Actual: resp.Command}
		}
		return resp.Payload, nil
	}

	return nil, errors.Wrapf(ErrReadTimeout, "waiting %s for response to %s from node %d", cc.timeout, cmd, da)
}

func (c *Connection) sendChunk(ctx context.Context, f bus.Frame) error {
	return retry.Do(
		func() error { return c.bus.Send(f) },
		retry.Context(ctx),
		retry.Attempts(c.config.SendRetries+1),
		retry.Delay(sendRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, bus.ErrBusy) }),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debugf("bus busy, retry %d of chunk %X", n+1, f.Data)
		}),
		retry.LastErrorOnly(true),
	)
}
