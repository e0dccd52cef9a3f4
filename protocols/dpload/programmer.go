package dpload

import (
	"context"
	"fmt"
	"time"

	"github.com/gavinwade12/dpload/protocols/frame"
	"github.com/pkg/errors"
)

// Programming phases reported through Progress.
const (
	PhaseIdentifying = "identifying"
	PhaseErasing     = "erasing"
	PhaseProgramming = "programming"
	PhaseVerifying   = "verifying"
	PhaseStarting    = "starting"
	PhaseComplete    = "complete"
)

// Timeouts the Programmer uses in place of the command defaults.
const (
	ProgramEraseTimeout = 5 * time.Second
	ChunkTimeout        = 5 * time.Second
	VerifyTimeout       = 5 * time.Second
)

// Segment is a contiguous run of image bytes at a flash address.
type Segment struct {
	Address uint32
	Data    []byte
}

// End returns the address following the segment.
func (s Segment) End() uint32 { return s.Address + uint32(len(s.Data)) }

// Firmware is what the Programmer writes to a node.
type Firmware struct {
	// Records are raw Intel HEX records without the leading ':'.
	Records [][]byte
	// Segments are checked against the node's CRC after programming.
	Segments []Segment
	// PartNumber is the hardware part number the firmware was built for.
	// Empty skips the check.
	PartNumber string
}

// Progress is passed to the progress callback.
type Progress struct {
	Phase   string
	Done    int
	Total   int
	Elapsed time.Duration
}

// PartNumberMismatchError is returned when the firmware targets other hardware.
type PartNumberMismatchError struct {
	Firmware string
	Node     string
}

func (e *PartNumberMismatchError) Error() string {
	return fmt.Sprintf("firmware is built for part %q, node is %q", e.Firmware, e.Node)
}

// VerifyError is returned when a segment's CRC differs on the node.
type VerifyError struct {
	Address  uint32
	Expected uint16
	Actual   uint16
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("segment at 0x%08x: expected CRC %04X, node reports %04X", e.Address, e.Expected, e.Actual)
}

// ProgramConfig holds the Programmer settings.
type ProgramConfig struct {
	RecordsPerChunk int
	EraseTimeout    time.Duration
	ChunkTimeout    time.Duration
	ChunkPause      time.Duration
	VerifyTimeout   time.Duration
	Verify          bool
	// Stay leaves the node in the bootloader after programming.
	Stay bool
	// Unsafe skips the part number check.
	Unsafe   bool
	AppStart uint32
	AppEnd   uint32
	Progress func(Progress)
}

// ProgramOption configures a Programmer.
type ProgramOption func(*ProgramConfig)

func WithRecordsPerChunk(n int) ProgramOption {
	return func(c *ProgramConfig) {
		if n > 0 {
			c.RecordsPerChunk = n
		}
	}
}

func WithVerify(verify bool) ProgramOption {
	return func(c *ProgramConfig) { c.Verify = verify }
}

func WithStay(stay bool) ProgramOption {
	return func(c *ProgramConfig) { c.Stay = stay }
}

func WithUnsafe(unsafe bool) ProgramOption {
	return func(c *ProgramConfig) { c.Unsafe = unsafe }
}

func WithProgress(fn func(Progress)) ProgramOption {
	return func(c *ProgramConfig) { c.Progress = fn }
}

// WithAppRegion limits verification to segments in [start, end).
func WithAppRegion(start, end uint32) ProgramOption {
	return func(c *ProgramConfig) { c.AppStart, c.AppEnd = start, end }
}

// Programmer runs the erase, program, verify and jump sequence on one node.
type Programmer struct {
	conn   *Connection
	da     byte
	config ProgramConfig
}

// NewProgrammer returns a Programmer for node da.
func NewProgrammer(conn *Connection, da byte, opts ...ProgramOption) *Programmer {
	cfg := ProgramConfig{
		RecordsPerChunk: 8,
		EraseTimeout:    ProgramEraseTimeout,
		ChunkTimeout:    ChunkTimeout,
		ChunkPause:      5 * time.Millisecond,
		VerifyTimeout:   VerifyTimeout,
		Verify:          true,
		AppStart:        AppStart,
		AppEnd:          AppEnd,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Programmer{conn: conn, da: da, config: cfg}
}

func (p *Programmer) report(phase string, done, total int, start time.Time) {
	if p.config.Progress != nil {
		p.config.Progress(Progress{Phase: phase, Done: done, Total: total, Elapsed: time.Since(start)})
	}
}

// Program writes fw to the node. The DM13 broadcast runs while records are
// written and is always stopped before Program returns.
func (p *Programmer) Program(ctx context.Context, fw *Firmware) (err error) {
	if fw == nil || len(fw.Records) == 0 {
		return errors.New("firmware has no records")
	}
	start := time.Now()
	node := ToNode(p.da)

	p.report(PhaseIdentifying, 0, 1, start)
	oem, err := p.conn.ReadOEMInfo(ctx, node)
	if err != nil {
		return err
	}
	p.conn.logger.Debugf("node %d is %s", p.da, oem)
	if fw.PartNumber != "" && fw.PartNumber != oem.PartNumber {
		if !p.config.Unsafe {
			return &PartNumberMismatchError{Firmware: fw.PartNumber, Node: oem.PartNumber}
		}
		p.conn.logger.Debugf("ignoring part number mismatch: firmware %q, node %q", fw.PartNumber, oem.PartNumber)
	}

	p.report(PhaseErasing, 0, 1, start)
	if err := p.conn.Erase(ctx, node, Timeout(p.config.EraseTimeout)); err != nil {
		return err
	}

	bc := p.conn.Broadcast()
	if err := bc.Set(true); err != nil {
		return err
	}
	defer func() {
		if serr := bc.Set(false); serr != nil && err == nil {
			err = serr
		}
	}()

	chunks := chunkRecords(fw.Records, p.config.RecordsPerChunk)
	for i, chunk := range chunks {
		p.report(PhaseProgramming, i, len(chunks), start)
		if err := p.conn.ProgramFlash(ctx, chunk, node, Timeout(p.config.ChunkTimeout)); err != nil {
			return errors.Wrapf(err, "chunk %d of %d", i+1, len(chunks))
		}
		if i < len(chunks)-1 {
			if err := sleep(ctx, p.config.ChunkPause); err != nil {
				return err
			}
		}
	}
	p.report(PhaseProgramming, len(chunks), len(chunks), start)
	if err := bc.Set(false); err != nil {
		return err
	}

	if p.config.Verify {
		results := p.conn.VerifySegments(ctx, fw.Segments, p.config.AppStart, p.config.AppEnd,
			node, Timeout(p.config.VerifyTimeout))
		for i, r := range results {
			p.report(PhaseVerifying, i+1, len(results), start)
			if err := r.Err(); err != nil {
				return err
			}
		}
	}

	if !p.config.Stay {
		p.report(PhaseStarting, 0, 1, start)
		if err := p.conn.Jump(ctx, node); err != nil && !errors.Is(err, ErrReadTimeout) {
			return err
		}
	}

	p.report(PhaseComplete, 1, 1, start)
	return nil
}

func chunkRecords(records [][]byte, per int) [][]byte {
	var chunks [][]byte
	for i := 0; i < len(records); i += per {
		var chunk []byte
		for _, r := range records[i:min(i+per, len(records))] {
			chunk = append(chunk, r...)
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SegmentResult is the outcome of verifying one segment.
type SegmentResult struct {
	Segment  Segment
	Skipped  bool
	Expected uint16
	Actual   uint16
	ReadErr  error
}

// OK reports whether the segment matched or was skipped.
func (r SegmentResult) OK() bool {
	return r.Skipped || (r.ReadErr == nil && r.Expected == r.Actual)
}

// Err returns the failure of the segment, if any.
func (r SegmentResult) Err() error {
	switch {
	case r.Skipped:
		return nil
	case r.ReadErr != nil:
		return r.ReadErr
	case r.Expected != r.Actual:
		return &VerifyError{Address: r.Segment.Address, Expected: r.Expected, Actual: r.Actual}
	}
	return nil
}

// VerifySegments compares the CRC of every segment starting inside
// [start, end) with the CRC the node computes over the same range. Segments
// starting elsewhere are skipped.
func (c *Connection) VerifySegments(ctx context.Context, segs []Segment, start, end uint32, opts ...CallOption) []SegmentResult {
	results := make([]SegmentResult, len(segs))
	for i, s := range segs {
		r := SegmentResult{Segment: s}
		if s.Address < start || s.Address >= end {
			r.Skipped = true
			results[i] = r
			continue
		}
		r.Expected = frame.CRC16(s.Data)
		r.Actual, r.ReadErr = c.ReadCRC(ctx, s.Address, uint32(len(s.Data)), opts...)
		results[i] = r
	}
	return results
}
