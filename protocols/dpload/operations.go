package dpload

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Default timeouts of the bootloader commands.
const (
	InfoTimeout    = 100 * time.Millisecond
	CRCTimeout     = 100 * time.Millisecond
	EraseTimeout   = time.Second
	ProgramTimeout = 2 * time.Second
	JumpTimeout    = 2 * time.Second
)

// Flash layout of the application region.
const (
	AppStart uint32 = 0x1D007000
	AppEnd   uint32 = 0x1D080000
	AppSize         = AppEnd - AppStart
)

// Version is a major.minor pair as reported by the bootloader.
type Version struct {
	Major uint8
	Minor uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%x.%x", v.Major, v.Minor)
}

// BootInfo is the response to CommandReadBootInfo.
type BootInfo struct {
	Version Version
}

// OEMInfo is the response to CommandReadOEMInfo.
type OEMInfo struct {
	// Address is the source address the node is configured for.
	Address    uint8
	PartNumber string
	Version    Version
}

func (o OEMInfo) String() string {
	return fmt.Sprintf("%s %s", o.PartNumber, o.Version)
}

// AppInfo is the response to CommandReadAppInfo.
type AppInfo struct {
	Version Version
}

// Loaded reports whether the node holds an application.
func (a AppInfo) Loaded() bool {
	return a.Version != Version{Major: 0xFF, Minor: 0xFF}
}

type oemInfoPayload struct {
	Address    uint8
	PartNumber [11]byte
	_          [2]byte
	Major      uint8
	Minor      uint8
	_          [16]byte
}

type appInfoPayload struct {
	Major uint8
	Minor uint8
	_     [30]byte
}

type crcRequest struct {
	Start     uint32
	Size      uint32
	_         [2]byte
	Reserved0 uint32
	Reserved1 uint32
}

type eraseRequest struct {
	Start uint32
	End   uint32
}

// unpack decodes payload into v, which must consume it exactly.
func unpack(cmd Command, payload []byte, v interface{}) error {
	if want := binary.Size(v); len(payload) != want {
		return errors.Wrapf(ErrInvalidPayload, "%s response has %d bytes, want %d", cmd, len(payload), want)
	}
	return binary.Read(bytes.NewReader(payload), binary.LittleEndian, v)
}

func pack(cmd Command, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, errors.Wrapf(err, "encoding %s request", cmd)
	}
	return buf.Bytes(), nil
}

// ReadBootInfo reads the bootloader version.
func (c *Connection) ReadBootInfo(ctx context.Context, opts ...CallOption) (*BootInfo, error) {
	p, err := c.request(ctx, CommandReadBootInfo, nil, c.callConfig(InfoTimeout, opts))
	if err != nil {
		return nil, errors.Wrap(err, "reading boot info")
	}
	var v Version
	if err := unpack(CommandReadBootInfo, p, &v); err != nil {
		return nil, err
	}
	return &BootInfo{Version: v}, nil
}

// ReadOEMInfo reads the part number and hardware version of the node.
func (c *Connection) ReadOEMInfo(ctx context.Context, opts ...CallOption) (*OEMInfo, error) {
	p, err := c.request(ctx, CommandReadOEMInfo, nil, c.callConfig(InfoTimeout, opts))
	if err != nil {
		return nil, errors.Wrap(err, "reading OEM info")
	}
	var raw oemInfoPayload
	if err := unpack(CommandReadOEMInfo, p, &raw); err != nil {
		return nil, err
	}
	return &OEMInfo{
		Address:    raw.Address,
		PartNumber: string(bytes.TrimRight(raw.PartNumber[:], "\x00")),
		Version:    Version{Major: raw.Major, Minor: raw.Minor},
	}, nil
}

// ReadAppInfo reads the version of the installed application.
func (c *Connection) ReadAppInfo(ctx context.Context, opts ...CallOption) (*AppInfo, error) {
	p, err := c.request(ctx, CommandReadAppInfo, nil, c.callConfig(InfoTimeout, opts))
	if err != nil {
		return nil, errors.Wrap(err, "reading app info")
	}
	var raw appInfoPayload
	if err := unpack(CommandReadAppInfo, p, &raw); err != nil {
		return nil, err
	}
	return &AppInfo{Version: Version{Major: raw.Major, Minor: raw.Minor}}, nil
}

// ReadCRC asks the node for the CRC-16 of size bytes of flash at start.
func (c *Connection) ReadCRC(ctx context.Context, start, size uint32, opts ...CallOption) (uint16, error) {
	c.logger.Debugf("reading CRC of %d bytes at 0x%08x", size, start)
	req, err := pack(CommandReadCRC, crcRequest{Start: start, Size: size})
	if err != nil {
		return 0, err
	}
	p, err := c.request(ctx, CommandReadCRC, req, c.callConfig(CRCTimeout, opts))
	if err != nil {
		return 0, errors.Wrapf(err, "reading CRC at 0x%08x", start)
	}
	var crc uint16
	if err := unpack(CommandReadCRC, p, &crc); err != nil {
		return 0, err
	}
	return crc, nil
}

// EraseAll is the range that erases the whole application region.
var EraseAll = [2]uint32{0xFFFFFFFF, 0xFFFFFFFF}

// Erase erases the application flash.
func (c *Connection) Erase(ctx context.Context, opts ...CallOption) error {
	req, err := pack(CommandEraseFlash, eraseRequest{Start: EraseAll[0], End: EraseAll[1]})
	if err != nil {
		return err
	}
	_, err = c.request(ctx, CommandEraseFlash, req, c.callConfig(EraseTimeout, opts))
	return errors.Wrap(err, "erasing flash")
}

// ProgramFlash writes one chunk of raw Intel HEX records.
func (c *Connection) ProgramFlash(ctx context.Context, records []byte, opts ...CallOption) error {
	_, err := c.request(ctx, CommandProgramFlash, records, c.callConfig(ProgramTimeout, opts))
	return errors.Wrap(err, "programming flash")
}

// Jump starts the application. Nodes frequently reset before answering.
func (c *Connection) Jump(ctx context.Context, opts ...CallOption) error {
	_, err := c.request(ctx, CommandJumpToApp, nil, c.callConfig(JumpTimeout, opts))
	return errors.Wrap(err, "jumping to application")
}
