// cpu_x86_hooks.go - Lua scripting hooks for the x86 runner
//
// A script may define on_step(s), called after every retired instruction, and
// on_fault(s, message), called when a step fails. s holds the registers, the
// mnemonic of the last instruction and the step count. on_step may return a
// table of register values to write back, or "stop" to end the run. on_fault
// may return "stop" or "skip" to override the runner's fault mode.
//
// The x86 module gives scripts memory access: x86.read8, x86.read32,
// x86.write8 and x86.write32. A memory fault raises a Lua error.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/intuitionamiga/IntuitionX86/x86"
	lua "github.com/yuin/gopher-lua"
)

// Names of the writable state table fields besides the general registers.
var hookExtraRegs = []string{"eip", "eflags"}

type LuaHooks struct {
	L       *lua.LState
	debug   *DebugX86
	onStep  lua.LValue
	onFault lua.LValue
}

// NewLuaHooks runs src and binds its hook functions to the debug adapter's
// CPU and memory. name labels the chunk in Lua error messages.
func NewLuaHooks(name, src string, dbg *DebugX86) (*LuaHooks, error) {
	h := &LuaHooks{L: lua.NewState(), debug: dbg}
	h.L.SetGlobal("x86", h.L.SetFuncs(h.L.NewTable(), map[string]lua.LGFunction{
		"read8":   h.luaRead8,
		"read32":  h.luaRead32,
		"write8":  h.luaWrite8,
		"write32": h.luaWrite32,
	}))

	fn, err := h.L.Load(strings.NewReader(src), name)
	if err != nil {
		h.L.Close()
		return nil, fmt.Errorf("lua: %w", err)
	}
	h.L.Push(fn)
	if err := h.L.PCall(0, 0, nil); err != nil {
		h.L.Close()
		return nil, fmt.Errorf("lua: %w", err)
	}

	h.onStep = h.L.GetGlobal("on_step")
	h.onFault = h.L.GetGlobal("on_fault")
	if h.onStep.Type() != lua.LTFunction && h.onFault.Type() != lua.LTFunction {
		h.L.Close()
		return nil, fmt.Errorf("lua: %s defines neither on_step nor on_fault", name)
	}
	return h, nil
}

// LoadLuaHooks reads a hook script from a file
func LoadLuaHooks(filename string, dbg *DebugX86) (*LuaHooks, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return NewLuaHooks(filename, string(src), dbg)
}

func (h *LuaHooks) Close() { h.L.Close() }

// stateTable builds the s argument passed to the hooks.
func (h *LuaHooks) stateTable() *lua.LTable {
	c := h.debug.cpu
	t := h.L.NewTable()
	for i, n := range x86.Reg32Names {
		t.RawSetString(n, lua.LNumber(c.Reg[i]))
	}
	t.RawSetString("eip", lua.LNumber(c.EIP))
	t.RawSetString("eflags", lua.LNumber(c.EFlags))
	t.RawSetString("steps", lua.LNumber(c.Steps))
	if c.Info != nil {
		t.RawSetString("mnemonic", lua.LString(c.Info.Mnemonic))
	} else {
		t.RawSetString("mnemonic", lua.LString(""))
	}
	return t
}

// call invokes fn with args and returns its single result.
func (h *LuaHooks) call(fn lua.LValue, args ...lua.LValue) (lua.LValue, error) {
	if err := h.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, fmt.Errorf("lua: %w", err)
	}
	ret := h.L.Get(-1)
	h.L.Pop(1)
	return ret, nil
}

// applyRegisters writes back every register field present in t.
func (h *LuaHooks) applyRegisters(t *lua.LTable) {
	set := func(name string) {
		if n, ok := t.RawGetString(name).(lua.LNumber); ok {
			h.debug.SetRegister(name, uint64(luaToUint32(n)))
		}
	}
	for _, n := range x86.Reg32Names {
		set(n)
	}
	for _, n := range hookExtraRegs {
		set(n)
	}
}

// OnStep runs on_step after a retired instruction.
func (h *LuaHooks) OnStep() (stop bool, err error) {
	if h.onStep.Type() != lua.LTFunction {
		return false, nil
	}
	ret, err := h.call(h.onStep, h.stateTable())
	if err != nil {
		return true, err
	}
	switch v := ret.(type) {
	case lua.LString:
		return string(v) == "stop", nil
	case *lua.LTable:
		h.applyRegisters(v)
	}
	return false, nil
}

// OnFault runs on_fault for a failed step and returns "stop", "skip" or ""
// to leave the decision to the runner.
func (h *LuaHooks) OnFault(stepErr error) (string, error) {
	if h.onFault.Type() != lua.LTFunction {
		return "", nil
	}
	ret, err := h.call(h.onFault, h.stateTable(), lua.LString(stepErr.Error()))
	if err != nil {
		return "", err
	}
	if s, ok := ret.(lua.LString); ok {
		switch string(s) {
		case "stop", "skip":
			return string(s), nil
		}
	}
	return "", nil
}

// -----------------------------------------------------------------------------
// x86 module
// -----------------------------------------------------------------------------

func luaToUint32(n lua.LNumber) uint32 { return uint32(int64(n)) }

func (h *LuaHooks) checkAddr(L *lua.LState) uint32 {
	return luaToUint32(L.CheckNumber(1))
}

func (h *LuaHooks) luaRead8(L *lua.LState) int {
	v, err := h.debug.mem.Read8(h.checkAddr(L))
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LNumber(v))
	return 1
}

func (h *LuaHooks) luaRead32(L *lua.LState) int {
	v, err := h.debug.mem.Read32(h.checkAddr(L))
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LNumber(v))
	return 1
}

func (h *LuaHooks) luaWrite8(L *lua.LState) int {
	addr, v := h.checkAddr(L), luaToUint32(L.CheckNumber(2))
	if err := h.debug.mem.Write8(addr, byte(v)); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (h *LuaHooks) luaWrite32(L *lua.LState) int {
	addr, v := h.checkAddr(L), luaToUint32(L.CheckNumber(2))
	if err := h.debug.mem.Write32(addr, v); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}
