package image_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gavinwade12/dpload/image"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tlvEntry struct {
	typ   image.TLVType
	value []byte
}

type testImage struct {
	payload   []byte
	protected []tlvEntry
	tlvs      []tlvEntry
	trailer   []byte
	hashed    bool
	major     uint8
	minor     uint8
	patch     uint16
	tweak     uint32
}

func tlvArea(magic uint16, entries []tlvEntry) []byte {
	var body bytes.Buffer
	for _, e := range entries {
		binary.Write(&body, binary.LittleEndian, uint16(e.typ))
		binary.Write(&body, binary.LittleEndian, uint16(len(e.value)))
		body.Write(e.value)
	}
	var area bytes.Buffer
	binary.Write(&area, binary.LittleEndian, magic)
	binary.Write(&area, binary.LittleEndian, uint16(body.Len()+4))
	area.Write(body.Bytes())
	return area.Bytes()
}

func (ti testImage) bytes() []byte {
	var prot []byte
	if len(ti.protected) > 0 {
		prot = tlvArea(image.TLVProtInfoMagic, ti.protected)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, image.Header{
		Magic:            image.Magic,
		HdrSize:          28,
		ProtectedTLVSize: uint16(len(prot)),
		ImgSize:          uint32(len(ti.payload)),
		Major:            ti.major,
		Minor:            ti.minor,
		Patch:            ti.patch,
		Tweak:            ti.tweak,
	})
	buf.Write(ti.payload)
	buf.Write(prot)

	tlvs := ti.tlvs
	if ti.hashed {
		sum := sha256.Sum256(buf.Bytes())
		tlvs = append([]tlvEntry{{image.TLVSHA256, sum[:]}}, tlvs...)
	}
	buf.Write(tlvArea(image.TLVInfoMagic, tlvs))
	buf.Write(ti.trailer)
	return buf.Bytes()
}

func parse(t *testing.T, raw []byte) (*image.Image, error) {
	t.Helper()
	s, err := image.FromBinary(0x1D007000, raw)
	require.NoError(t, err)
	return image.Parse(s)
}

func validImage() testImage {
	return testImage{
		payload: bytes.Repeat([]byte{0xA5, 0x5A, 0x01}, 100),
		tlvs: []tlvEntry{
			{image.TLVSoftwarePartNumber, []byte("SW-1001")},
			{image.TLVHardwarePartNumber, []byte("DP-4410")},
		},
		hashed: true,
		major:  1,
		minor:  2,
		patch:  3,
	}
}

func TestParseValidImage(t *testing.T) {
	img, err := parse(t, validImage().bytes())
	require.NoError(t, err)

	assert.Equal(t, image.Magic, img.Header.Magic)
	assert.Equal(t, "1.2.3+0", img.Version.String())
	assert.Equal(t, "SW-1001", img.SoftwarePartNumber(""))
	assert.Equal(t, "DP-4410", img.HardwarePartNumber(""))
	digest, ok := img.SHA256()
	assert.True(t, ok)
	assert.Len(t, digest, 64)
	assert.Nil(t, img.Trailer)
	assert.Len(t, img.TLVs, 3)
	assert.Empty(t, img.ProtectedTLVs)
}

func TestParseCorruptPayload(t *testing.T) {
	raw := validImage().bytes()
	raw[40] ^= 0x01

	_, err := parse(t, raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, image.ErrInvalidImage))

	var mismatch *image.HashMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.NotEqual(t, mismatch.Image, mismatch.Calculated)
}

func TestParseBadMagic(t *testing.T) {
	raw := validImage().bytes()
	raw[0] = 0

	_, err := parse(t, raw)
	assert.True(t, errors.Is(err, image.ErrInvalidImage))
	assert.Contains(t, err.Error(), "magic")
}

func TestParseTruncated(t *testing.T) {
	raw := validImage().bytes()

	for _, n := range []int{10, 28 + 300, len(raw) - 3} {
		_, err := parse(t, raw[:n])
		assert.True(t, errors.Is(err, image.ErrInvalidImage), "length %d: %v", n, err)
	}
}

func TestParseBadTLVMagic(t *testing.T) {
	raw := validImage().bytes()
	off := 28 + 300
	raw[off] = 0x00

	_, err := parse(t, raw)
	assert.True(t, errors.Is(err, image.ErrInvalidImage))
}

func TestParseOversizedImageSize(t *testing.T) {
	ti := validImage()
	ti.hashed = false
	// the tweak field doubles as an empty TLV area at offset 24
	ti.tweak = 0x00046907
	raw := ti.bytes()
	// 28 + ImgSize wraps to 24 in 32 bits
	binary.LittleEndian.PutUint32(raw[12:16], 0xFFFFFFFC)

	s, err := image.FromBinary(0, raw)
	require.NoError(t, err)
	_, err = image.Parse(s)
	assert.True(t, errors.Is(err, image.ErrInvalidImage), "got %v", err)
	assert.Contains(t, err.Error(), "exceeds")

	_, err = s.Gets(0, 1<<31)
	assert.Error(t, err)
	_, err = s.Gets(0xFFFFFFF0, 0x20)
	assert.Error(t, err)
}

func TestParseRejectsNonUTF8PartNumber(t *testing.T) {
	ti := validImage()
	ti.tlvs = []tlvEntry{{image.TLVHardwarePartNumber, []byte{0xff, 0xfe, 'A'}}}

	_, err := parse(t, ti.bytes())
	assert.True(t, errors.Is(err, image.ErrInvalidImage), "got %v", err)
	assert.Contains(t, err.Error(), "DP_HW_PART_NUMBER")
}

func TestParseWithoutHash(t *testing.T) {
	ti := validImage()
	ti.hashed = false
	ti.payload[0] ^= 0xFF

	img, err := parse(t, ti.bytes())
	require.NoError(t, err)
	_, ok := img.SHA256()
	assert.False(t, ok)
}

func TestParseProtectedTLVs(t *testing.T) {
	ti := validImage()
	ti.protected = []tlvEntry{{image.TLVSecurityCounter, []byte{0x05, 0x01, 0x00, 0x00}}}

	img, err := parse(t, ti.bytes())
	require.NoError(t, err)
	require.Len(t, img.ProtectedTLVs, 1)
	assert.Equal(t, uint64(0x105), img.Get(image.TLVSecurityCounter, uint64(0)))

	// the protected area is covered by the hash
	raw := ti.bytes()
	raw[28+300+5] ^= 0x01
	_, err = parse(t, raw)
	var mismatch *image.HashMismatchError
	assert.True(t, errors.As(err, &mismatch))
}

func TestGetDefaults(t *testing.T) {
	ti := validImage()
	ti.tlvs = nil
	img, err := parse(t, ti.bytes())
	require.NoError(t, err)

	assert.Equal(t, "n/a", img.SoftwarePartNumber("n/a"))
	assert.Equal(t, "", img.HardwarePartNumber(""))
	assert.Equal(t, uint64(7), img.Get(image.TLVSecurityCounter, uint64(7)))
	assert.Nil(t, img.Get(image.TLVBootRecord, nil))

	ti.tlvs = []tlvEntry{{image.TLVBootRecord, []byte{1, 2}}}
	img, err = parse(t, ti.bytes())
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, img.Get(image.TLVBootRecord, nil))
}

func TestVersionString(t *testing.T) {
	patch, tweak := uint16(3), uint32(4)
	tests := []struct {
		v    image.Version
		want string
	}{
		{image.Version{Major: 1, Minor: 2}, "1.2"},
		{image.Version{Major: 1, Minor: 2, Patch: &patch}, "1.2.3"},
		{image.Version{Major: 1, Minor: 2, Patch: &patch, Tweak: &tweak}, "1.2.3+4"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.v.String())
	}
}

func TestSize(t *testing.T) {
	img, err := parse(t, validImage().bytes())
	require.NoError(t, err)
	// header, payload, TLV framing, digest and both part numbers
	assert.Equal(t, 28+300+8+32+7+7, img.Size())
}

func TestTrailer(t *testing.T) {
	trailer := bytes.Repeat([]byte{0xFF}, 48)
	binary.LittleEndian.PutUint32(trailer[0:4], 0x20000)
	trailer[8] = 0x02
	trailer[16] = 0x01
	trailer[24] = 0x01
	copy(trailer[32:], image.BootMagic)

	ti := validImage()
	ti.trailer = trailer
	img, err := parse(t, ti.bytes())
	require.NoError(t, err)
	require.NotNil(t, img.Trailer)
	assert.Equal(t, image.Trailer{ImageOK: 1, CopyDone: 1, SwapInfo: 2, SwapSize: 0x20000}, *img.Trailer)

	// padding without the boot magic is not a trailer
	ti.trailer = bytes.Repeat([]byte{0xFF}, 48)
	img, err = parse(t, ti.bytes())
	require.NoError(t, err)
	assert.Nil(t, img.Trailer)
}

func TestTLVTypeString(t *testing.T) {
	assert.Equal(t, "SHA256", image.TLVSHA256.String())
	assert.Equal(t, "DP_HW_PART_NUMBER", image.TLVHardwarePartNumber.String())
	assert.Equal(t, "0x1234", image.TLVType(0x1234).String())
}

const testHex = `:0400000001020304F2
:02001000AABB89
:00000001FF
`

func TestParseHex(t *testing.T) {
	s, err := image.ParseHex(strings.NewReader(testHex))
	require.NoError(t, err)

	segs := s.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, uint32(0), s.MinAddr())
	assert.Equal(t, uint32(0x12), s.EndAddr())

	b, err := s.Gets(1, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3, 4}, b)

	_, err = s.Gets(2, 4)
	assert.Error(t, err)

	records, err := s.Records()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "0400000001020304f2", hex.EncodeToString(records[0]))
}

func TestReadRecordsErrors(t *testing.T) {
	_, err := image.ReadRecords(strings.NewReader("0400000001020304F2\n"))
	assert.Error(t, err)
	_, err = image.ReadRecords(strings.NewReader(":04zz\n"))
	assert.Error(t, err)
}

func TestBinaryRecords(t *testing.T) {
	s, err := image.FromBinary(0x1D007000, bytes.Repeat([]byte{0x11}, 40))
	require.NoError(t, err)

	records, err := s.Records()
	require.NoError(t, err)
	require.NotEmpty(t, records)

	// data records carry at most 16 bytes
	var data int
	for _, r := range records {
		if r[3] == 0x00 {
			assert.LessOrEqual(t, int(r[0]), 16)
			data += int(r[0])
		}
	}
	assert.Equal(t, 40, data)
	assert.Equal(t, byte(0x01), records[len(records)-1][3])
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.bin")
	require.NoError(t, os.WriteFile(path, validImage().bytes(), 0o600))

	img, err := image.Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), img.Store().MinAddr())

	_, err = image.Load(filepath.Join(dir, "missing.bin"))
	assert.Error(t, err)
}
