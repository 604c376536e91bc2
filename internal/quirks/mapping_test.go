package quirks

import "testing"

func TestIdentityRoundTrip(t *testing.T) {
	var m Identity
	for _, a := range []uint8{0, 1, 63, 127, 255} {
		b := m.ToWire(a)
		got, ok := m.FromWire(b)
		if !ok || got != a {
			t.Errorf("identity round trip %d -> 0x%02X -> %d ok=%v", a, b, got, ok)
		}
	}
}

func TestTableMapping(t *testing.T) {
	// Captured quirk: units 7 and 9 answer on shifted bytes.
	m, err := NewTable(map[uint8]byte{7: 0x3C, 9: 0x4C})
	if err != nil {
		t.Fatal(err)
	}

	if b := m.ToWire(7); b != 0x3C {
		t.Errorf("ToWire(7) = 0x%02X, want 0x3C", b)
	}
	if a, ok := m.FromWire(0x4C); !ok || a != 9 {
		t.Errorf("FromWire(0x4C) = %d ok=%v, want 9", a, ok)
	}

	// Unlisted addresses pass through as identity.
	if b := m.ToWire(12); b != 12 {
		t.Errorf("ToWire(12) = 0x%02X, want 0x0C", b)
	}
	if a, ok := m.FromWire(12); !ok || a != 12 {
		t.Errorf("FromWire(12) = %d ok=%v, want 12", a, ok)
	}
}

func TestTableRejectsDuplicateWireBytes(t *testing.T) {
	if _, err := NewTable(map[uint8]byte{1: 0x20, 2: 0x20}); err == nil {
		t.Fatal("expected duplicate wire byte error")
	}
}

func TestTableListedAddressByteIsNotIdentity(t *testing.T) {
	// Address 7 transmits as 0x3C, so a raw 0x07 on the wire cannot be
	// read back as address 7.
	m, err := NewTable(map[uint8]byte{7: 0x3C})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.FromWire(0x07); ok {
		t.Error("FromWire(0x07) mapped, want unmappable")
	}
}

func TestLuaMapping(t *testing.T) {
	m, err := LoadLua(`
		function to_wire(addr) return addr * 4 + 8 end
		function from_wire(b)
			if (b - 8) % 4 ~= 0 then return nil end
			return (b - 8) / 4
		end
	`)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if b := m.ToWire(7); b != 0x24 {
		t.Errorf("ToWire(7) = 0x%02X, want 0x24", b)
	}
	if a, ok := m.FromWire(0x24); !ok || a != 7 {
		t.Errorf("FromWire(0x24) = %d ok=%v, want 7", a, ok)
	}
	if _, ok := m.FromWire(0x25); ok {
		t.Error("FromWire(0x25) mapped, want unmappable")
	}
}

func TestLuaMappingRequiresBothFunctions(t *testing.T) {
	if _, err := LoadLua(`function to_wire(addr) return addr end`); err == nil {
		t.Fatal("expected error for missing from_wire")
	}
}

func TestLuaMappingBadScript(t *testing.T) {
	if _, err := LoadLua(`this is not lua`); err == nil {
		t.Fatal("expected parse error")
	}
}
