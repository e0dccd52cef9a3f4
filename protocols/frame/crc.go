package frame

import "github.com/sigurn/crc16"

// XMODEM parameters: poly 0x1021, no reflection, no final xor. The init
// value is ignored because every call goes through Update with an explicit seed.
var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// CRC16 returns the CRC-16 of data seeded with 0x0000.
func CRC16(data []byte) uint16 {
	return CRC16Seed(data, 0x0000)
}

// CRC16Seed continues a CRC-16 computation from seed.
func CRC16Seed(data []byte, seed uint16) uint16 {
	return crc16.Update(seed, data, crcTable)
}

// PageSize is the flash page size used when folding page checksums.
const PageSize = 4096

// FoldPageCRCs combines per-page CRCs reported by a device into a single
// value. Each step seeds the CRC of a blank page with the running value and
// xors in the page CRC. The result is diagnostic only.
func FoldPageCRCs(pageCRCs []uint16, pageSize int) uint16 {
	blank := make([]byte, pageSize)
	var crc uint16
	for _, p := range pageCRCs {
		crc = CRC16Seed(blank, crc)
		crc ^= p
	}
	return crc
}
