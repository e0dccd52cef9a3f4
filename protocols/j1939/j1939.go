// Package j1939 implements the parts of SAE J1939 used when talking to the
// bootloader: identifier construction, the connection mode transport
// protocol for requested PGNs, and the address claim NAME.
package j1939

const (
	DefaultPriority byte = 6

	// AddrGlobal is the broadcast destination address.
	AddrGlobal byte = 255
	// AddrNull is reserved and never assigned to a node.
	AddrNull byte = 254
	// MaxNodeAddress is the highest address a node may use.
	MaxNodeAddress byte = 253
)

// Transport protocol connection management control bytes.
const (
	TPControlRTS    byte = 16
	TPControlCTS    byte = 17
	TPControlEOMAck byte = 19
	TPControlBAM    byte = 32
	TPControlAbort  byte = 255
)

// PDU format values.
const (
	PFTPCM           byte = 236
	PFTPDT           byte = 235
	PFAcknowledge    byte = 232
	PFRequest        byte = 234
	PFAddressClaimed byte = 238
	PFProprietaryA   byte = 239
	PFProprietaryB   byte = 255
	PFDM13           byte = 223 // start/stop broadcast
	PFDM14           byte = 217 // memory access request
	PFDM15           byte = 216 // memory access response
	PFDM16           byte = 215 // binary data transfer
	PFDM17           byte = 214 // boot load data
	PFDM18           byte = 212 // data security
)

// Well known PGNs.
const (
	PGNSoftwareID uint32 = 65242
	PGNECUID      uint32 = 64965
	PGNEH         uint32 = 65201
	PGNDM1        uint32 = 65226
	PGNDM2        uint32 = 65227
	PGNDM3        uint32 = 65228

	PGNAddressClaimed uint32 = uint32(PFAddressClaimed) << 8
)

// TPMaxBytes is the largest payload the transport protocol can carry.
const TPMaxBytes = 255 * 7

// BuildID returns the 29-bit identifier for pgn sent by sa.
func BuildID(pgn uint32, sa byte, priority byte) uint32 {
	return uint32(priority&0x7)<<26 | (pgn&0xFFFFFF)<<8 | uint32(sa)
}

// PDU1PGN returns the PGN addressing a PDU1 format pf to da.
func PDU1PGN(pf byte, da byte) uint32 {
	return uint32(pf)<<8 | uint32(da)
}

// PGNFromID extracts the PGN, including the destination byte of PDU1
// messages, from a 29-bit identifier.
func PGNFromID(id uint32) uint32 {
	return (id & 0x00FFFF00) >> 8
}

// PFFromID extracts the PDU format byte.
func PFFromID(id uint32) byte {
	return byte((id & 0x00FF0000) >> 16)
}

// PSFromID extracts the PDU specific byte: the destination address for PDU1
// messages, the group extension otherwise.
func PSFromID(id uint32) byte {
	return byte(id >> 8)
}

// SAFromID extracts the source address.
func SAFromID(id uint32) byte {
	return byte(id)
}

// PriorityFromID extracts the 3-bit priority.
func PriorityFromID(id uint32) byte {
	return byte(id>>26) & 0x7
}

// ValidNode reports whether addr may be assigned to a node.
func ValidNode(addr int) bool {
	return addr >= 0 && addr <= int(MaxNodeAddress)
}

// ValidDestination reports whether addr is a node address or the global address.
func ValidDestination(addr int) bool {
	return ValidNode(addr) || addr == int(AddrGlobal)
}
