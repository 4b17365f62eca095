// Package duid implements the DHCP Unique Identifier value type used to
// key clients in the address database.
package duid

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv6"
)

// DUID is an opaque client identifier. Typical lengths are 4-130 bytes
// depending on the DUID type, but the store treats it as raw bytes and
// compares by content only.
type DUID []byte

// Parse parses the textual form of a DUID: hex characters, with or
// without colon separators ("00:01:00:01:de:ad" or "00010001dead").
func Parse(text string) (DUID, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(text), ":", "")
	if clean == "" {
		return nil, fmt.Errorf("empty DUID")
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid DUID %q: %w", text, err)
	}
	return DUID(raw), nil
}

// String renders the DUID as lowercase colon-separated hex. This is the
// form stored in the on-disk snapshot.
func (d DUID) String() string {
	if len(d) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, b := range d {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

// Equal compares two DUIDs by byte content.
func (d DUID) Equal(other DUID) bool {
	return bytes.Equal(d, other)
}

// Empty reports whether the DUID carries no bytes.
func (d DUID) Empty() bool {
	return len(d) == 0
}

// Clone returns an independent copy.
func (d DUID) Clone() DUID {
	if d == nil {
		return nil
	}
	dup := make(DUID, len(d))
	copy(dup, d)
	return dup
}

// Describe decodes the DUID wire structure (LLT, EN, LL, UUID) for
// display. Falls back to the plain hex form when the bytes do not parse
// as a known DUID type.
func (d DUID) Describe() string {
	parsed, err := dhcpv6.DUIDFromBytes(d)
	if err != nil {
		return d.String()
	}
	return parsed.String()
}
