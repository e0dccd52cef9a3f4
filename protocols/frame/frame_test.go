package frame_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/gavinwade12/dpload/protocols/frame"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16(t *testing.T) {
	check := []byte("123456789")
	assert.Equal(t, uint16(0x31C3), frame.CRC16(check))
	assert.Equal(t, uint16(0x29B1), frame.CRC16Seed(check, 0xFFFF))
	assert.Equal(t, uint16(0), frame.CRC16(nil))
}

func TestCRC16Chaining(t *testing.T) {
	data := []byte("firmware update payload")
	whole := frame.CRC16(data)
	split := frame.CRC16Seed(data[7:], frame.CRC16(data[:7]))
	assert.Equal(t, whole, split)
}

func TestFoldPageCRCs(t *testing.T) {
	blank := make([]byte, frame.PageSize)
	first := frame.CRC16(blank) ^ 0x1234
	want := frame.CRC16Seed(blank, first) ^ 0xBEEF

	assert.Equal(t, want, frame.FoldPageCRCs([]uint16{0x1234, 0xBEEF}, frame.PageSize))
	assert.Equal(t, uint16(0), frame.FoldPageCRCs(nil, frame.PageSize))
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for n := 0; n <= 250; n++ {
		payload := make([]byte, n)
		r.Read(payload)
		cmd := byte(r.Intn(256))

		f, err := frame.Decode(frame.Encode(cmd, payload))
		require.NoError(t, err, "length %d", n)
		assert.Equal(t, cmd, f.Command)
		assert.True(t, bytes.Equal(payload, f.Payload), "length %d", n)
	}
}

func TestEncodeEscapesControlBytes(t *testing.T) {
	payload := []byte{frame.SOH, 0x00, frame.EOT, frame.DLE, 0xff, frame.DLE, frame.DLE}
	enc := frame.Encode(frame.DLE, payload)

	require.Equal(t, frame.SOH, enc[0])
	require.Equal(t, frame.EOT, enc[len(enc)-1])

	inner := enc[1 : len(enc)-1]
	for i := 0; i < len(inner); i++ {
		if inner[i] == frame.DLE {
			require.Less(t, i+1, len(inner), "dangling escape")
			i++
			continue
		}
		assert.NotEqual(t, frame.SOH, inner[i], "unescaped SOH at %d", i)
		assert.NotEqual(t, frame.EOT, inner[i], "unescaped EOT at %d", i)
	}
}

func TestDecodeErrors(t *testing.T) {
	good := frame.Encode(0x04, []byte{0x01, 0x02})

	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"Empty", nil, frame.ErrIncompleteFrame},
		{"NoSOH", append([]byte{0x00}, good[1:]...), frame.ErrInvalidFrame},
		{"NoEOT", good[:len(good)-1], frame.ErrIncompleteFrame},
		{"DanglingEscape", []byte{frame.SOH, 0x04 + 1, frame.DLE}, frame.ErrIncompleteFrame},
		{"ShortCRC", []byte{frame.SOH, 0x05, 0x02, frame.EOT}, frame.ErrIncompleteFrame},
		{"StraySOH", []byte{frame.SOH, 0x05, frame.SOH, 0x02, frame.EOT}, frame.ErrInvalidFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := frame.Decode(tt.in)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEscapedEOTIsNotTerminator(t *testing.T) {
	enc := frame.Encode(0x03, []byte{frame.EOT})
	// SOH 03 DLE EOT ...: cut right after the escaped EOT
	_, err := frame.Decode(enc[:4])
	assert.True(t, errors.Is(err, frame.ErrIncompleteFrame))
}

func TestDecodeKeepsDLEBeforeOrdinaryByte(t *testing.T) {
	data := []byte{0x05, frame.DLE, 0x41}
	crc := frame.CRC16(data)
	in := []byte{frame.SOH, 0x05, frame.DLE, 0x41, byte(crc), byte(crc >> 8), frame.EOT}

	f, err := frame.Decode(in)
	require.NoError(t, err)
	assert.Equal(t, byte(0x05), f.Command)
	assert.Equal(t, []byte{frame.DLE, 0x41}, f.Payload)
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	enc := frame.Encode(0x01, []byte{0x02, 0x05})
	f, err := frame.Decode(append(append([]byte{}, enc...), 0xaa, 0xbb))
	require.NoError(t, err)
	assert.Equal(t, enc, f.Raw)
	assert.Equal(t, []byte{0x02, 0x05}, f.Payload)
}

func TestSingleBitFlipIsDetected(t *testing.T) {
	payload := []byte("bootloader payload 0123456789")
	enc := frame.Encode(0x03, payload)

	for i := 2; i < len(enc)-3; i++ {
		if enc[i] == frame.DLE || enc[i-1] == frame.DLE {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte{}, enc...)
			corrupt[i] ^= 1 << bit
			_, err := frame.Decode(corrupt)
			require.Error(t, err, "byte %d bit %d", i, bit)
			if frame.SOH != corrupt[i] && frame.EOT != corrupt[i] && frame.DLE != corrupt[i] {
				var crcErr *frame.CRCMismatchError
				assert.True(t, errors.As(err, &crcErr), "byte %d bit %d: %v", i, bit, err)
			}
		}
	}
}

func TestReassembler(t *testing.T) {
	enc := frame.Encode(0x06, bytes.Repeat([]byte{0x10, 0x41}, 20))

	var r frame.Reassembler
	var got frame.Frame
	var done bool
	for off := 0; off < len(enc); off += 8 {
		end := off + 8
		if end > len(enc) {
			end = len(enc)
		}
		f, ok, err := r.Append(enc[off:end])
		require.NoError(t, err)
		if ok {
			require.Equal(t, len(enc), end, "completed early")
			got, done = f, true
		}
	}
	require.True(t, done)
	assert.Equal(t, byte(0x06), got.Command)
	assert.Len(t, got.Payload, 40)

	r.Reset()
	_, _, err := r.Append([]byte{0x00, 0x01})
	assert.True(t, errors.Is(err, frame.ErrInvalidFrame))
}

func BenchmarkCRC16(b *testing.B) {
	data := make([]byte, frame.PageSize)
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		frame.CRC16(data)
	}
}
