// Package lua runs lifecycle callbacks of Lua plugins in sandboxed states.
package lua

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// safeLibrary represents a Lua library that is safe to load in sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the list of libraries safe to load.
// Safe: base, table, string, math, and a reduced os.
// Blocked: io, debug, package.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.OsLibName, lua.OpenOs},
	}
}

// unsafeBaseFunctions lists base library functions that must be blocked for security.
// These functions allow filesystem access which would break sandboxing.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load"}

// safeOSFunctions are the only os functions left after the os library loads.
var safeOSFunctions = map[string]bool{"time": true, "clock": true, "date": true, "difftime": true}

// defaultCallStackSize bounds recursion depth of plugin code.
const defaultCallStackSize = 256

// StateFactory creates sandboxed Lua states with only safe libraries.
type StateFactory struct {
	// libraries allows overriding the default safe libraries for testing.
	libraries     []safeLibrary
	callStackSize int
}

// NewStateFactory creates a new state factory.
func NewStateFactory() *StateFactory {
	return &StateFactory{
		libraries:     defaultSafeLibraries(),
		callStackSize: defaultCallStackSize,
	}
}

// NewState creates a fresh Lua state with only safe libraries loaded and the
// filesystem functions of base and os removed. A cancellable ctx aborts
// running Lua code once done.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: f.callStackSize,
	})

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open library %s: %w", lib.name, err)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}
	if osTable, ok := L.GetGlobal(lua.OsLibName).(*lua.LTable); ok {
		var blocked []lua.LValue
		osTable.ForEach(func(k, _ lua.LValue) {
			if !safeOSFunctions[k.String()] {
				blocked = append(blocked, k)
			}
		})
		for _, k := range blocked {
			osTable.RawSet(k, lua.LNil)
		}
	}

	if ctx != nil && ctx.Done() != nil {
		L.SetContext(ctx)
	}
	return L, nil
}
