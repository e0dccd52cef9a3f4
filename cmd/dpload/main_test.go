package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gavinwade12/dpload/bus"
	"github.com/gavinwade12/dpload/image"
	"github.com/gavinwade12/dpload/protocols/dpload"
	"github.com/gavinwade12/dpload/protocols/frame"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		hint string
	}{
		{errors.Wrap(bus.ErrTimeout, "reading OEM info"), "did not answer"},
		{&frame.CRCMismatchError{Expected: 1, Actual: 2}, "responded incorrectly"},
		{&dpload.CommandMismatchError{Expected: dpload.CommandReadCRC, Actual: 1}, "responded incorrectly"},
		{&image.HashMismatchError{}, "replace it"},
		{bus.ErrBusy, "stayed busy"},
	}
	for _, tt := range tests {
		s := describe(tt.err)
		assert.True(t, strings.HasPrefix(s, tt.err.Error()), s)
		assert.Contains(t, s, tt.hint)
	}
	assert.Equal(t, "plain", describe(errors.New("plain")))
}

func TestCheckNode(t *testing.T) {
	assert.NoError(t, checkNode(0, false))
	assert.NoError(t, checkNode(253, false))
	assert.Error(t, checkNode(254, false))
	assert.Error(t, checkNode(255, false))
	assert.NoError(t, checkNode(255, true))
	assert.Error(t, checkNode(254, true))
}

func TestConfirm(t *testing.T) {
	for input, want := range map[string]bool{"y\n": true, "YES\r\n": true, "n\n": false, "\n": false, "y": true} {
		var out bytes.Buffer
		ok, err := confirm(strings.NewReader(input), &out, "Erase?")
		require.NoError(t, err)
		assert.Equal(t, want, ok, "input %q", input)
		assert.Equal(t, "Erase? [y/N]: ", out.String())
	}
}

func TestLoadFirmware(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 64)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, image.Header{Magic: image.Magic, HdrSize: 28, ImgSize: uint32(len(payload))})
	buf.Write(payload)
	pn := []byte("DP-4410")
	binary.Write(&buf, binary.LittleEndian, []uint16{image.TLVInfoMagic, uint16(4 + 4 + len(pn)), uint16(image.TLVHardwarePartNumber), uint16(len(pn))})
	buf.Write(pn)

	path := filepath.Join(t.TempDir(), "app.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	fw, err := loadFirmware(path)
	require.NoError(t, err)
	assert.Equal(t, "DP-4410", fw.PartNumber)
	require.Len(t, fw.Segments, 1)
	assert.Equal(t, buf.Len(), len(fw.Segments[0].Data))
	assert.NotEmpty(t, fw.Records)
}

func TestSummarizeKeepsRepeatedTLVs(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, image.Header{Magic: image.Magic, HdrSize: 28, ImgSize: 4})
	buf.Write([]byte{1, 2, 3, 4})
	binary.Write(&buf, binary.LittleEndian, []uint16{image.TLVInfoMagic, 4 + 2*(4+2), 0x7001, 2})
	buf.Write([]byte{0xaa, 0xbb})
	binary.Write(&buf, binary.LittleEndian, []uint16{0x7001, 2})
	buf.Write([]byte{0xcc, 0xdd})

	s, err := image.FromBinary(0, buf.Bytes())
	require.NoError(t, err)
	img, err := image.Parse(s)
	require.NoError(t, err)

	sum := summarize("app.bin", img)
	assert.Equal(t, []tlvRow{
		{Type: "0x7001", Length: 2, Value: "aabb"},
		{Type: "0x7001", Length: 2, Value: "ccdd"},
	}, sum.TLVs)

	var out bytes.Buffer
	require.NoError(t, yaml.NewEncoder(&out).Encode(sum))
	assert.Equal(t, 2, strings.Count(out.String(), "0x7001"))
}

func TestPrintNodes(t *testing.T) {
	var out bytes.Buffer
	printNodes(&out, nil)
	assert.Equal(t, "No active nodes found\n", out.String())

	out.Reset()
	printNodes(&out, []scannedNode{{Address: 208, PartNumber: "DP-4410 1.0", Bootloader: "2.1", Application: "none"}})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "208 (0xd0)")
	assert.Contains(t, lines[1], "DP-4410 1.0")
}
