// Package quirks supplies the address-byte mapping between logical device
// addresses and the byte that encodes them on the wire. The mapping is not
// fixed across firmware revisions, so it is configuration, never a built-in
// table: identity for stock firmware, a static table from the config file, or
// a Lua script for anything stranger.
package quirks

import (
	"fmt"
	"sort"
)

// Mapping converts between logical addresses and wire bytes.
type Mapping interface {
	ToWire(addr uint8) byte
	// FromWire reports the logical address for a wire byte, and whether the
	// byte maps at all. Unmappable bytes are the scanner's problem to report,
	// not an error here.
	FromWire(b byte) (uint8, bool)
}

// Identity maps every address to itself. The stock firmware default.
type Identity struct{}

func (Identity) ToWire(addr uint8) byte        { return addr }
func (Identity) FromWire(b byte) (uint8, bool) { return b, true }

// Table is a static mapping loaded from configuration.
type Table struct {
	to   map[uint8]byte
	from map[byte]uint8
}

// NewTable builds a table mapping. Duplicate wire bytes are rejected: two
// addresses sharing a byte would make responses unattributable.
func NewTable(entries map[uint8]byte) (*Table, error) {
	t := &Table{
		to:   make(map[uint8]byte, len(entries)),
		from: make(map[byte]uint8, len(entries)),
	}
	addrs := make([]int, 0, len(entries))
	for a := range entries {
		addrs = append(addrs, int(a))
	}
	sort.Ints(addrs)
	for _, ai := range addrs {
		a := uint8(ai)
		b := entries[a]
		if prev, dup := t.from[b]; dup {
			return nil, fmt.Errorf("mapping: wire byte 0x%02X claimed by both %d and %d", b, prev, a)
		}
		t.to[a] = b
		t.from[b] = a
	}
	return t, nil
}

// ToWire falls back to the identity encoding for unlisted addresses, which is
// how the capture tables behaved: only the quirky units were listed.
func (t *Table) ToWire(addr uint8) byte {
	if b, ok := t.to[addr]; ok {
		return b
	}
	return addr
}

func (t *Table) FromWire(b byte) (uint8, bool) {
	if a, ok := t.from[b]; ok {
		return a, true
	}
	if _, claimed := t.to[b]; claimed {
		// The identity reading of this byte belongs to some listed address.
		return 0, false
	}
	return b, true
}
