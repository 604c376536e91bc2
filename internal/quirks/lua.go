package quirks

import (
	"fmt"
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// LuaMapping evaluates a quirk script that defines two global functions:
//
//	function to_wire(addr)  return byte end
//	function from_wire(b)   return addr or nil end
//
// One VM serves all conversions; gopher-lua states are not goroutine-safe, so
// calls are serialized.
type LuaMapping struct {
	mu    sync.Mutex
	state *lua.LState
	to    lua.LValue
	from  lua.LValue
}

// LoadLuaFile loads a quirk script from disk.
func LoadLuaFile(path string) (*LuaMapping, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quirk script: %w", err)
	}
	return LoadLua(string(code))
}

// LoadLua compiles a quirk script and checks that both mapping functions are
// defined.
func LoadLua(code string) (*LuaMapping, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	if err := L.DoString(code); err != nil {
		L.Close()
		return nil, fmt.Errorf("quirk script: %w", err)
	}
	m := &LuaMapping{
		state: L,
		to:    L.GetGlobal("to_wire"),
		from:  L.GetGlobal("from_wire"),
	}
	if m.to.Type() != lua.LTFunction || m.from.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("quirk script: to_wire and from_wire functions are required")
	}
	return m, nil
}

// Close releases the Lua VM.
func (m *LuaMapping) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Close()
}

func (m *LuaMapping) ToWire(addr uint8) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.call(m.to, lua.LNumber(addr))
	if err != nil {
		// A throwing script falls back to identity rather than poisoning the
		// scan; the error shape is visible in the script author's tests.
		return addr
	}
	if n, ok := v.(lua.LNumber); ok {
		return byte(int(n) & 0xFF)
	}
	return addr
}

func (m *LuaMapping) FromWire(b byte) (uint8, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.call(m.from, lua.LNumber(b))
	if err != nil {
		return 0, false
	}
	if n, ok := v.(lua.LNumber); ok {
		return uint8(int(n) & 0xFF), true
	}
	return 0, false
}

func (m *LuaMapping) call(fn lua.LValue, arg lua.LValue) (lua.LValue, error) {
	if err := m.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, arg); err != nil {
		return lua.LNil, err
	}
	ret := m.state.Get(-1)
	m.state.Pop(1)
	return ret, nil
}
