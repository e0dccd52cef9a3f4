package image

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// Segment is a contiguous run of bytes in a Store.
type Segment struct {
	Address uint32
	Data    []byte
}

// Store is an address mapped byte store loaded from an Intel HEX or raw
// binary file.
type Store struct {
	mem      *gohex.Memory
	segments []Segment
	// records holds the records of the source file when it was Intel HEX.
	records [][]byte
}

// Open loads path as Intel HEX when it has a .hex extension and as a raw
// binary based at address 0 otherwise.
func Open(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening image file")
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".hex") {
		return ParseHex(f)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "reading image file")
	}
	return FromBinary(0, data)
}

// ParseHex reads an Intel HEX stream.
func ParseHex(r io.Reader) (*Store, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading hex data")
	}
	records, err := ReadRecords(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, "parsing hex data")
	}
	s := newStore(mem)
	s.records = records
	return s, nil
}

// FromBinary maps data at base.
func FromBinary(base uint32, data []byte) (*Store, error) {
	mem := gohex.NewMemory()
	if len(data) > 0 {
		if err := mem.AddBinary(base, data); err != nil {
			return nil, errors.Wrap(err, "mapping binary data")
		}
	}
	return newStore(mem), nil
}

func newStore(mem *gohex.Memory) *Store {
	var segs []Segment
	for _, ds := range mem.GetDataSegments() {
		segs = append(segs, Segment{Address: ds.Address, Data: ds.Data})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Address < segs[j].Address })
	return &Store{mem: mem, segments: segs}
}

// Segments returns the populated address ranges in ascending order.
func (s *Store) Segments() []Segment {
	return s.segments
}

// MinAddr returns the lowest populated address.
func (s *Store) MinAddr() uint32 {
	if len(s.segments) == 0 {
		return 0
	}
	return s.segments[0].Address
}

// EndAddr returns the address following the highest populated byte.
func (s *Store) EndAddr() uint32 {
	if len(s.segments) == 0 {
		return 0
	}
	last := s.segments[len(s.segments)-1]
	return last.Address + uint32(len(last.Data))
}

// Gets returns n bytes at addr. Every byte must be populated.
func (s *Store) Gets(addr uint32, n int) ([]byte, error) {
	if n < 0 || addr < s.MinAddr() || uint64(addr)+uint64(n) > uint64(s.EndAddr()) {
		return nil, errors.Errorf("no data for %d bytes at 0x%08x", n, addr)
	}
	out := make([]byte, 0, n)
	next := addr
	for _, seg := range s.segments {
		if len(out) == n {
			break
		}
		end := seg.Address + uint32(len(seg.Data))
		if next < seg.Address || next >= end {
			continue
		}
		take := min(int(end-next), n-len(out))
		off := next - seg.Address
		out = append(out, seg.Data[off:off+uint32(take)]...)
		next += uint32(take)
	}
	if len(out) != n {
		return nil, errors.Errorf("no data for %d bytes at 0x%08x", n-len(out), next)
	}
	return out, nil
}

// Records returns the Intel HEX records to program, without the leading
// ':'. Hex sources yield their own records; binary sources are converted
// with 16 data bytes per record.
func (s *Store) Records() ([][]byte, error) {
	if s.records != nil {
		return s.records, nil
	}
	var buf bytes.Buffer
	if err := s.mem.DumpIntelHex(&buf, 16); err != nil {
		return nil, errors.Wrap(err, "converting image to hex records")
	}
	return ReadRecords(&buf)
}

// ReadRecords decodes the records of an Intel HEX stream without
// interpreting them.
func ReadRecords(r io.Reader) ([][]byte, error) {
	var records [][]byte
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if text[0] != ':' {
			return nil, errors.Errorf("line %d: record does not start with ':'", line)
		}
		rec, err := hex.DecodeString(text[1:])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: bad record format", line)
		}
		records = append(records, rec)
	}
	return records, errors.Wrap(sc.Err(), "reading records")
}
