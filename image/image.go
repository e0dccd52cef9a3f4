// Package image parses signed firmware images: a fixed header, the
// application payload, an optional protected TLV area, the TLV area and an
// optional trailer. Images are refused when their SHA-256 TLV does not match
// the content.
package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	Magic            uint32 = 0x96F3B83D
	TLVInfoMagic     uint16 = 0x6907
	TLVProtInfoMagic uint16 = 0x6908
	tlvInfoSize             = 4
	headerSize              = 28
	trailerAlign            = 8
)

// BootMagic marks a populated trailer at the end of the image.
var BootMagic = []byte{
	0x77, 0xc2, 0x95, 0xf3, 0x60, 0xd2, 0xef, 0x7f,
	0x35, 0x52, 0x50, 0x0f, 0x2c, 0xb6, 0x79, 0x80,
}

// ErrInvalidImage is matched by every validation failure.
var ErrInvalidImage = errors.New("invalid image")

// InvalidImageError describes why an image was refused.
type InvalidImageError struct {
	Reason string
}

func (e *InvalidImageError) Error() string { return "invalid image: " + e.Reason }

func (e *InvalidImageError) Is(target error) bool { return target == ErrInvalidImage }

func invalid(format string, args ...interface{}) error {
	return &InvalidImageError{Reason: fmt.Sprintf(format, args...)}
}

// HashMismatchError reports the digest carried by the image and the one
// computed over its content.
type HashMismatchError struct {
	Image      []byte
	Calculated []byte
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("invalid image: SHA256 mismatch, image=%x calculated=%x", e.Image, e.Calculated)
}

func (e *HashMismatchError) Is(target error) bool { return target == ErrInvalidImage }

// Header is the fixed image header.
type Header struct {
	Magic            uint32
	LoadAddr         uint32
	HdrSize          uint16
	ProtectedTLVSize uint16
	ImgSize          uint32
	Flags            uint32
	Major            uint8
	Minor            uint8
	Patch            uint16
	Tweak            uint32
}

// Version is a semantic version whose patch and tweak parts may be absent.
type Version struct {
	Major uint8
	Minor uint8
	Patch *uint16
	Tweak *uint32
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d", v.Major, v.Minor)
	if v.Patch != nil {
		s += fmt.Sprintf(".%d", *v.Patch)
	}
	if v.Tweak != nil {
		s += fmt.Sprintf("+%d", *v.Tweak)
	}
	return s
}

// Trailer holds the swap status found at the end of an image.
type Trailer struct {
	ImageOK  byte
	CopyDone byte
	SwapInfo byte
	SwapSize uint32
}

// Image is a parsed firmware image. It is not modified after Parse.
type Image struct {
	Header        Header
	Version       Version
	ProtectedTLVs []TLV
	TLVs          []TLV
	// Trailer is nil when the image carries none.
	Trailer *Trailer

	store *Store
}

// Load reads and validates the image file at path.
func Load(path string) (*Image, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	img, err := Parse(s)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return img, nil
}

// Parse validates the image held by s.
func Parse(s *Store) (*Image, error) {
	base := s.MinAddr()
	raw, err := s.Gets(base, headerSize)
	if err != nil {
		return nil, invalid("header: %v", err)
	}

	img := &Image{store: s}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &img.Header); err != nil {
		return nil, invalid("header: %v", err)
	}
	h := img.Header
	if h.Magic != Magic {
		return nil, invalid("incorrect magic value 0x%08x", h.Magic)
	}
	patch, tweak := h.Patch, h.Tweak
	img.Version = Version{Major: h.Major, Minor: h.Minor, Patch: &patch, Tweak: &tweak}

	imgEnd := uint64(base) + uint64(h.HdrSize) + uint64(h.ImgSize)
	if imgEnd > uint64(s.EndAddr()) {
		return nil, invalid("image size %d exceeds the %d bytes present", h.ImgSize, s.EndAddr()-base)
	}
	off := uint32(imgEnd)
	if h.ProtectedTLVSize > 0 {
		if img.ProtectedTLVs, off, err = readTLVArea(s, off, TLVProtInfoMagic); err != nil {
			return nil, errors.Wrap(err, "protected TLVs")
		}
	}
	var tlvEnd uint32
	if img.TLVs, tlvEnd, err = readTLVArea(s, off, TLVInfoMagic); err != nil {
		return nil, errors.Wrap(err, "TLVs")
	}
	for _, area := range [][]TLV{img.ProtectedTLVs, img.TLVs} {
		for _, t := range area {
			if (t.Type == TLVSoftwarePartNumber || t.Type == TLVHardwarePartNumber) && !utf8.Valid(t.Value) {
				return nil, invalid("%s is not valid UTF-8", t.Type)
			}
		}
	}

	if digest, ok := img.Lookup(TLVSHA256); ok {
		n := int(h.HdrSize) + int(h.ImgSize) + int(h.ProtectedTLVSize)
		content, err := s.Gets(base, n)
		if err != nil {
			return nil, invalid("hashed content: %v", err)
		}
		sum := sha256.Sum256(content)
		if !bytes.Equal(sum[:], digest) {
			return nil, &HashMismatchError{Image: digest, Calculated: sum[:]}
		}
	}

	if s.EndAddr() > tlvEnd {
		img.Trailer = readTrailer(s)
	}
	return img, nil
}

// readTrailer walks back from the boot magic at the end of the store. A
// missing magic or unreadable field means no trailer.
func readTrailer(s *Store) *Trailer {
	off := s.EndAddr() - uint32(len(BootMagic))
	magic, err := s.Gets(off, len(BootMagic))
	if err != nil || !bytes.Equal(magic, BootMagic) {
		return nil
	}

	field := func(n int) []byte {
		if err != nil {
			return nil
		}
		off -= trailerAlign
		var b []byte
		b, err = s.Gets(off, n)
		return b
	}
	imageOK := field(1)
	copyDone := field(1)
	swapInfo := field(1)
	swapSize := field(4)
	if err != nil {
		return nil
	}
	return &Trailer{
		ImageOK:  imageOK[0],
		CopyDone: copyDone[0],
		SwapInfo: swapInfo[0],
		SwapSize: binary.LittleEndian.Uint32(swapSize),
	}
}

// Store returns the bytes the image was parsed from.
func (img *Image) Store() *Store { return img.store }

// Size returns the number of bytes covered by header, payload and TLVs.
func (img *Image) Size() int {
	n := int(img.Header.HdrSize) + int(img.Header.ImgSize) + int(img.Header.ProtectedTLVSize)
	if len(img.TLVs) > 0 {
		n += 2 * tlvInfoSize
		for _, t := range img.TLVs {
			n += len(t.Value)
		}
	}
	return n
}

// Lookup returns the raw value of the first TLV of type t, searching the
// TLV area before the protected area.
func (img *Image) Lookup(t TLVType) ([]byte, bool) {
	for _, area := range [][]TLV{img.TLVs, img.ProtectedTLVs} {
		for _, tlv := range area {
			if tlv.Type == t {
				return tlv.Value, true
			}
		}
	}
	return nil, false
}

// Get returns the decoded value of the first TLV of type t, or def when the
// image has none. SHA-256 decodes to a hex string, part numbers to strings
// (Parse refuses invalid UTF-8), the security counter to a uint64 and
// everything else to raw bytes.
func (img *Image) Get(t TLVType, def interface{}) interface{} {
	v, ok := img.Lookup(t)
	if !ok {
		return def
	}
	switch t {
	case TLVSHA256:
		return hex.EncodeToString(v)
	case TLVSoftwarePartNumber, TLVHardwarePartNumber:
		return string(v)
	case TLVSecurityCounter:
		var n uint64
		for i := min(len(v), 8) - 1; i >= 0; i-- {
			n = n<<8 | uint64(v[i])
		}
		return n
	}
	return v
}

// SoftwarePartNumber returns the software part number TLV or def.
func (img *Image) SoftwarePartNumber(def string) string {
	return img.Get(TLVSoftwarePartNumber, def).(string)
}

// HardwarePartNumber returns the hardware part number TLV or def.
func (img *Image) HardwarePartNumber(def string) string {
	return img.Get(TLVHardwarePartNumber, def).(string)
}

// SHA256 returns the hex digest carried by the image, if any.
func (img *Image) SHA256() (string, bool) {
	s, ok := img.Get(TLVSHA256, nil).(string)
	return s, ok
}
