package dpload

import (
	"fmt"

	"github.com/pkg/errors"
)

// Command identifies a bootloader request and its response.
type Command byte

const (
	CommandReadBootInfo Command = 1
	CommandEraseFlash   Command = 2
	CommandProgramFlash Command = 3
	CommandReadCRC      Command = 4
	CommandJumpToApp    Command = 5
	CommandReadOEMInfo  Command = 6
	CommandReadAppInfo  Command = 7
)

var commandNames = map[Command]string{
	CommandReadBootInfo: "read boot info",
	CommandEraseFlash:   "erase flash",
	CommandProgramFlash: "program flash",
	CommandReadCRC:      "read crc",
	CommandJumpToApp:    "jump to app",
	CommandReadOEMInfo:  "read oem info",
	CommandReadAppInfo:  "read app info",
}

// ErrUnknownCommand is returned by ParseCommand for ids outside the command set.
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand maps a wire byte to a Command.
func ParseCommand(b byte) (Command, error) {
	c := Command(b)
	if _, ok := commandNames[c]; !ok {
		return 0, errors.Wrapf(ErrUnknownCommand, "0x%02x", b)
	}
	return c, nil
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("command 0x%02x", byte(c))
}
