package j1939

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Name is the 64-bit identity a node announces in its address claim.
type Name uint64

// ParseName decodes the little endian NAME carried in an address claim.
func ParseName(data []byte) (Name, error) {
	if len(data) < 8 {
		return 0, errors.Errorf("address claim carries %d bytes, need 8", len(data))
	}
	return Name(binary.LittleEndian.Uint64(data)), nil
}

func (n Name) IdentityNumber() uint32        { return uint32(n & 0x1FFFFF) }
func (n Name) ManufacturerCode() uint16      { return uint16(n>>21) & 0x7FF }
func (n Name) ECUInstance() uint8            { return uint8(n>>32) & 0x7 }
func (n Name) FunctionInstance() uint8       { return uint8(n>>35) & 0x1F }
func (n Name) Function() uint8               { return uint8(n >> 40) }
func (n Name) VehicleSystem() uint8          { return uint8(n>>49) & 0x7F }
func (n Name) VehicleSystemInstance() uint8  { return uint8(n>>56) & 0xF }
func (n Name) IndustryGroup() uint8          { return uint8(n>>60) & 0x7 }
func (n Name) ArbitraryAddressCapable() bool { return n>>63 != 0 }

func (n Name) String() string {
	return fmt.Sprintf("%016X (identity %d, manufacturer %d, function %d, instance %d/%d)",
		uint64(n), n.IdentityNumber(), n.ManufacturerCode(), n.Function(),
		n.FunctionInstance(), n.ECUInstance())
}
