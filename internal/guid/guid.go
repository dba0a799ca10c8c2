// Package guid implements the 128-bit identifiers naming UEFI protocols.
package guid

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalid = errors.New("guid: invalid")

// GUID is stored in registry order: Data1, Data2 and Data3 big-endian
// followed by the eight Data4 bytes. Bytes in an image use the mixed-endian
// EFI_GUID layout; see FromWire.
type GUID [16]byte

// Zero is the all-zero GUID.
var Zero GUID

// New builds a GUID from its EFI_GUID fields.
func New(d1 uint32, d2, d3 uint16, d4 [8]byte) GUID {
	var g GUID
	binary.BigEndian.PutUint32(g[0:4], d1)
	binary.BigEndian.PutUint16(g[4:6], d2)
	binary.BigEndian.PutUint16(g[6:8], d3)
	copy(g[8:], d4[:])
	return g
}

// FromWire decodes the in-memory EFI_GUID layout (little-endian Data1-3).
func FromWire(b []byte) (GUID, error) {
	if len(b) < 16 {
		return Zero, fmt.Errorf("%w: %d bytes", ErrInvalid, len(b))
	}
	var d4 [8]byte
	copy(d4[:], b[8:16])
	return New(
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint16(b[4:6]),
		binary.LittleEndian.Uint16(b[6:8]),
		d4,
	), nil
}

// Wire returns the in-memory EFI_GUID layout.
func (g GUID) Wire() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], binary.BigEndian.Uint32(g[0:4]))
	binary.LittleEndian.PutUint16(b[4:6], binary.BigEndian.Uint16(g[4:6]))
	binary.LittleEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(g[6:8]))
	copy(b[8:], g[8:])
	return b
}

func (g GUID) IsZero() bool { return g == Zero }

// String formats as 8-4-4-4-12 upper-case hex.
func (g GUID) String() string {
	h := strings.ToUpper(hex.EncodeToString(g[:]))
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}

// Parse accepts the 8-4-4-4-12 form, optionally wrapped in braces.
func Parse(s string) (GUID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "{"), "}")
	parts := strings.Split(s, "-")
	if len(parts) != 5 || len(parts[0]) != 8 || len(parts[1]) != 4 ||
		len(parts[2]) != 4 || len(parts[3]) != 4 || len(parts[4]) != 12 {
		return Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	raw, err := hex.DecodeString(strings.Join(parts, ""))
	if err != nil {
		return Zero, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	var g GUID
	copy(g[:], raw)
	return g, nil
}

// FromFields decodes the 11-integer array form used by GUID databases:
// [Data1, Data2, Data3, Data4[0], ..., Data4[7]].
func FromFields(f []uint64) (GUID, error) {
	if len(f) != 11 {
		return Zero, fmt.Errorf("%w: %d fields, want 11", ErrInvalid, len(f))
	}
	if f[0] > 0xffffffff || f[1] > 0xffff || f[2] > 0xffff {
		return Zero, fmt.Errorf("%w: field out of range", ErrInvalid)
	}
	var d4 [8]byte
	for i := 0; i < 8; i++ {
		if f[3+i] > 0xff {
			return Zero, fmt.Errorf("%w: Data4[%d] out of range", ErrInvalid, i)
		}
		d4[i] = byte(f[3+i])
	}
	return New(uint32(f[0]), uint16(f[1]), uint16(f[2]), d4), nil
}

// Fields returns the 11-integer array form.
func (g GUID) Fields() []uint64 {
	f := []uint64{
		uint64(binary.BigEndian.Uint32(g[0:4])),
		uint64(binary.BigEndian.Uint16(g[4:6])),
		uint64(binary.BigEndian.Uint16(g[6:8])),
	}
	for _, b := range g[8:] {
		f = append(f, uint64(b))
	}
	return f
}

func (g GUID) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalJSON accepts either the string form or the 11-integer array form.
func (g *GUID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := Parse(s)
		if err != nil {
			return err
		}
		*g = v
		return nil
	}
	var f []uint64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, data)
	}
	v, err := FromFields(f)
	if err != nil {
		return err
	}
	*g = v
	return nil
}
