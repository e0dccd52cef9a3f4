package image

import (
	"encoding/binary"
	"fmt"
)

// TLVType is the type of a TLV entry. Unknown types are kept as is.
type TLVType uint16

const (
	TLVKeyHash            TLVType = 0x01
	TLVPubKey             TLVType = 0x02
	TLVSHA256             TLVType = 0x10
	TLVRSA2048PSS         TLVType = 0x20
	TLVECDSA224           TLVType = 0x21
	TLVECDSASig           TLVType = 0x22
	TLVRSA3072            TLVType = 0x23
	TLVED25519            TLVType = 0x24
	TLVEncRSA2048         TLVType = 0x30
	TLVEncKW              TLVType = 0x31
	TLVEncEC256           TLVType = 0x32
	TLVEncX25519          TLVType = 0x33
	TLVDependency         TLVType = 0x40
	TLVSecurityCounter    TLVType = 0x50
	TLVBootRecord         TLVType = 0x60
	TLVSoftwarePartNumber TLVType = 0xDDA0
	TLVHardwarePartNumber TLVType = 0xDDA1
)

var tlvNames = map[TLVType]string{
	TLVKeyHash:            "KEYHASH",
	TLVPubKey:             "PUBKEY",
	TLVSHA256:             "SHA256",
	TLVRSA2048PSS:         "RSA2048_PSS",
	TLVECDSA224:           "ECDSA224",
	TLVECDSASig:           "ECDSA_SIG",
	TLVRSA3072:            "RSA3072",
	TLVED25519:            "ED25519",
	TLVEncRSA2048:         "ENC_RSA2048",
	TLVEncKW:              "ENC_KW",
	TLVEncEC256:           "ENC_EC256",
	TLVEncX25519:          "ENC_X25519",
	TLVDependency:         "DEPENDENCY",
	TLVSecurityCounter:    "SEC_CNT",
	TLVBootRecord:         "BOOT_RECORD",
	TLVSoftwarePartNumber: "DP_SW_PART_NUMBER",
	TLVHardwarePartNumber: "DP_HW_PART_NUMBER",
}

func (t TLVType) String() string {
	if n, ok := tlvNames[t]; ok {
		return n
	}
	return fmt.Sprintf("0x%04X", uint16(t))
}

// TLV is one type-length-value entry.
type TLV struct {
	Type  TLVType
	Value []byte
}

// cursor reads consecutive little endian fields from a Store.
type cursor struct {
	s   *Store
	off uint32
}

func (c *cursor) bytes(n int) ([]byte, error) {
	b, err := c.s.Gets(c.off, n)
	if err != nil {
		return nil, err
	}
	c.off += uint32(n)
	return b, nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// readTLVArea parses the TLV area at off whose info header must carry
// magic. It returns the entries and the address following the area.
func readTLVArea(s *Store, off uint32, magic uint16) ([]TLV, uint32, error) {
	c := &cursor{s: s, off: off}
	m, err := c.u16()
	if err != nil {
		return nil, 0, invalid("TLV info at 0x%08x: %v", off, err)
	}
	if m != magic {
		return nil, 0, invalid("TLV magic 0x%04x at 0x%08x, want 0x%04x", m, off, magic)
	}
	total, err := c.u16()
	if err != nil {
		return nil, 0, invalid("TLV info at 0x%08x: %v", off, err)
	}
	end := off + uint32(total)
	if total < tlvInfoSize {
		return nil, 0, invalid("TLV area at 0x%08x declares %d bytes", off, total)
	}

	var tlvs []TLV
	for c.off < end {
		at := c.off
		typ, err := c.u16()
		if err != nil {
			return nil, 0, invalid("TLV at 0x%08x: %v", at, err)
		}
		n, err := c.u16()
		if err != nil {
			return nil, 0, invalid("TLV at 0x%08x: %v", at, err)
		}
		v, err := c.bytes(int(n))
		if err != nil {
			return nil, 0, invalid("TLV %s at 0x%08x: %v", TLVType(typ), at, err)
		}
		tlvs = append(tlvs, TLV{Type: TLVType(typ), Value: v})
	}
	if c.off != end {
		return nil, 0, invalid("TLV area at 0x%08x overruns its length by %d bytes", off, c.off-end)
	}
	return tlvs, end, nil
}
