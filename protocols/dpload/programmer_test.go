package dpload_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/gavinwade12/dpload/bus"
	"github.com/gavinwade12/dpload/protocols/dpload"
	"github.com/gavinwade12/dpload/protocols/frame"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flashNode is a bootloader that records programmed chunks and reports
// CRCs of the segments it was given.
type flashNode struct {
	partNumber string
	segments   map[uint32][]byte
	chunks     [][]byte
	erased     bool
	jumped     bool
	jumpReply  bool
}

func (n *flashNode) handle(cmd byte, p []byte) (byte, []byte, bool) {
	switch dpload.Command(cmd) {
	case dpload.CommandReadOEMInfo:
		return cmd, oemPayload(n.partNumber), true
	case dpload.CommandEraseFlash:
		n.erased = true
		return cmd, nil, true
	case dpload.CommandProgramFlash:
		n.chunks = append(n.chunks, append([]byte(nil), p...))
		return cmd, nil, true
	case dpload.CommandReadCRC:
		start := binary.LittleEndian.Uint32(p[0:4])
		crc := frame.CRC16(n.segments[start])
		return cmd, []byte{byte(crc), byte(crc >> 8)}, true
	case dpload.CommandJumpToApp:
		n.jumped = true
		return cmd, nil, n.jumpReply
	}
	return 0, nil, false
}

func testFirmware(records int) *dpload.Firmware {
	fw := &dpload.Firmware{PartNumber: "DP-4410"}
	for i := 0; i < records; i++ {
		fw.Records = append(fw.Records, []byte{0x02, 0x00, byte(i), 0x00, byte(i), byte(i + 1), 0xEE})
	}
	fw.Segments = []dpload.Segment{
		{Address: 0x1D007000, Data: []byte("application code")},
		{Address: 0x1FC00000, Data: []byte("config words")},
	}
	return fw
}

func TestProgram(t *testing.T) {
	v := bus.NewVirtual(nil)
	defer v.Close()

	fn := &flashNode{partNumber: "DP-4410", segments: map[uint32][]byte{0x1D007000: []byte("application code")}}
	newFakeNode(v, fn.handle)
	conn := dpload.NewConnection(v)

	var phases []string
	p := dpload.NewProgrammer(conn, node, dpload.WithProgress(func(pr dpload.Progress) {
		if len(phases) == 0 || phases[len(phases)-1] != pr.Phase {
			phases = append(phases, pr.Phase)
		}
	}))
	require.NoError(t, p.Program(context.Background(), testFirmware(19)))

	assert.True(t, fn.erased)
	assert.True(t, fn.jumped)
	require.Len(t, fn.chunks, 3)
	assert.Len(t, fn.chunks[0], 8*7)
	assert.Len(t, fn.chunks[2], 3*7)
	assert.False(t, conn.Broadcast().Running())
	assert.Equal(t, []string{
		dpload.PhaseIdentifying, dpload.PhaseErasing, dpload.PhaseProgramming,
		dpload.PhaseVerifying, dpload.PhaseStarting, dpload.PhaseComplete,
	}, phases)
}

func TestProgramPartNumberMismatch(t *testing.T) {
	v := bus.NewVirtual(nil)
	defer v.Close()

	fn := &flashNode{partNumber: "DP-9999"}
	newFakeNode(v, fn.handle)
	conn := dpload.NewConnection(v)

	err := dpload.NewProgrammer(conn, node).Program(context.Background(), testFirmware(3))
	var mm *dpload.PartNumberMismatchError
	require.True(t, errors.As(err, &mm), "got %v", err)
	assert.False(t, fn.erased)

	fn2 := &flashNode{partNumber: "DP-9999", segments: map[uint32][]byte{0x1D007000: []byte("application code")}}
	newFakeNode(v, fn2.handle)
	err = dpload.NewProgrammer(conn, node, dpload.WithUnsafe(true), dpload.WithStay(true)).
		Program(context.Background(), testFirmware(3))
	require.NoError(t, err)
	assert.True(t, fn2.erased)
	assert.False(t, fn2.jumped)
}

func TestProgramVerifyFailure(t *testing.T) {
	v := bus.NewVirtual(nil)
	defer v.Close()

	fn := &flashNode{partNumber: "DP-4410", segments: map[uint32][]byte{0x1D007000: []byte("different code")}}
	newFakeNode(v, fn.handle)
	conn := dpload.NewConnection(v)

	err := dpload.NewProgrammer(conn, node, dpload.WithRecordsPerChunk(16)).
		Program(context.Background(), testFirmware(20))
	var ve *dpload.VerifyError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, uint32(0x1D007000), ve.Address)
	assert.Len(t, fn.chunks, 2)
	assert.False(t, fn.jumped)
	assert.False(t, conn.Broadcast().Running())
}

func TestVerifySegmentsSkipsOutsideRegion(t *testing.T) {
	v := bus.NewVirtual(nil)
	defer v.Close()

	fn := &flashNode{segments: map[uint32][]byte{0x1D007000: []byte("application code")}}
	newFakeNode(v, fn.handle)

	results := dpload.NewConnection(v).VerifySegments(context.Background(), testFirmware(0).Segments,
		dpload.AppStart, dpload.AppEnd)
	require.Len(t, results, 2)
	assert.False(t, results[0].Skipped)
	assert.True(t, results[0].OK())
	assert.True(t, results[1].Skipped)
	assert.NoError(t, results[1].Err())
}
