package j1939

import (
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// DecodeText renders a transport payload for display: the text itself when
// it is valid UTF-8, space separated hex otherwise.
func DecodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	parts := make([]string, len(b))
	for i := range b {
		parts[i] = hex.EncodeToString(b[i : i+1])
	}
	return strings.Join(parts, " ")
}

// ECUIdentification is the content of the ECU identification PGN.
type ECUIdentification struct {
	PartNumber   string `yaml:"part_number"`
	SerialNumber string `yaml:"serial_number"`
	Location     string `yaml:"location"`
	Type         string `yaml:"type"`
	Manufacturer string `yaml:"manufacturer"`
	HardwareID   string `yaml:"hardware_id"`
	Rest         string `yaml:"rest,omitempty"`
}

// ParseECUIdentification splits the '*' delimited ECU identification
// string. Missing trailing fields are left empty.
func ParseECUIdentification(s string) ECUIdentification {
	fields := strings.SplitN(s, "*", 7)
	get := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	return ECUIdentification{
		PartNumber:   get(0),
		SerialNumber: get(1),
		Location:     get(2),
		Type:         get(3),
		Manufacturer: get(4),
		HardwareID:   get(5),
		Rest:         get(6),
	}
}

// SoftwareComponent is one entry of the software identification PGN.
type SoftwareComponent struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ParseSoftwareIdentification splits the software identification string.
// The first byte holds the component count and each component is
// terminated by '*', though the last terminator may be missing. A component
// reads "name version".
func ParseSoftwareIdentification(s string) []SoftwareComponent {
	if len(s) > 0 && s[0] < ' ' {
		s = s[1:]
	}
	parts := strings.Split(s, "*")

	out := make([]SoftwareComponent, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		c := SoftwareComponent{Name: p}
		if i := strings.IndexByte(p, ' '); i > 0 {
			c.Name, c.Version = p[:i], p[i+1:]
		}
		out = append(out, c)
	}
	return out
}
