// cpu_x86_hooks_test.go - Lua hook tests
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/intuitionamiga/IntuitionX86/x86"
)

func attachScript(t *testing.T, r *CPUX86Runner, src string) *LuaHooks {
	t.Helper()
	h, err := NewLuaHooks("test.lua", src, r.Debug())
	if err != nil {
		t.Fatalf("NewLuaHooks: %v", err)
	}
	t.Cleanup(h.Close)
	r.SetHooks(h)
	return h
}

func TestHooks_StopFromScript(t *testing.T) {
	r := newTestRunner(t, CPUX86Config{MaxSteps: 100}, 0x40, 0xEB, 0xFD) // inc eax; jmp -3
	attachScript(t, r, `
function on_step(s)
  if s.eax == 4 then return "stop" end
end`)
	res := r.Run(context.Background())
	if res.Reason != StopHook || res.Err != nil {
		t.Fatalf("got %+v", res)
	}
	if !res.tolerated() {
		t.Error("script stop should be tolerated")
	}
	if eax := r.GetCPU().Reg[x86.EAX]; eax != 4 {
		t.Errorf("EAX: got %d, want 4", eax)
	}
}

func TestHooks_StateTable(t *testing.T) {
	r := newTestRunner(t, CPUX86Config{MaxSteps: 1}, 0x4B) // dec ebx
	r.GetCPU().Reg[x86.EBX] = 0x10
	attachScript(t, r, `
function on_step(s)
  x86.write32(0x00401800, s.ebx)
  x86.write32(0x00401804, s.eip)
  x86.write32(0x00401808, s.steps)
  if s.mnemonic == "dec" then x86.write8(0x0040180C, 1) end
end`)
	r.Run(context.Background())

	mem := r.Memory()
	for _, tc := range []struct {
		addr uint32
		want uint32
	}{
		{0x00401800, 0x0F},
		{0x00401804, testLoadAddr + 1},
		{0x00401808, 1},
	} {
		if v, _ := mem.Read32(tc.addr); v != tc.want {
			t.Errorf("[0x%08X]: got 0x%08X, want 0x%08X", tc.addr, v, tc.want)
		}
	}
	if v, _ := mem.Read8(0x0040180C); v != 1 {
		t.Error("mnemonic not passed to on_step")
	}
}

func TestHooks_RegisterWriteBack(t *testing.T) {
	r := newTestRunner(t, CPUX86Config{MaxSteps: 2}, 0x90, 0x90, 0x90)
	attachScript(t, r, `
function on_step(s)
  if s.steps == 1 then
    return {ecx = 0xFFFFFFFF, edi = x86.read32(0x00401000), eflags = 0x801, eip = 0x00401002}
  end
end`)
	r.Run(context.Background())

	cpu := r.GetCPU()
	if cpu.Reg[x86.ECX] != 0xFFFFFFFF {
		t.Errorf("ECX: got 0x%08X", cpu.Reg[x86.ECX])
	}
	if cpu.Reg[x86.EDI] != 0x00909090 {
		t.Errorf("EDI: got 0x%08X, want 0x00909090", cpu.Reg[x86.EDI])
	}
	if cpu.EFlags != 0x803 {
		t.Errorf("EFLAGS: got 0x%08X, want 0x803", cpu.EFlags)
	}
	// Second nop ran at the redirected EIP
	if cpu.EIP != testLoadAddr+3 {
		t.Errorf("EIP: got 0x%08X, want 0x%08X", cpu.EIP, testLoadAddr+3)
	}
}

func TestHooks_MemoryFaultRaises(t *testing.T) {
	r := newTestRunner(t, CPUX86Config{MaxSteps: 10}, 0x90, 0x90)
	attachScript(t, r, `
function on_step(s)
  return x86.read8(0x10)
end`)
	res := r.Run(context.Background())
	if res.Reason != StopHook || res.Err == nil {
		t.Fatalf("got %+v, want a hook error", res)
	}
	if res.tolerated() {
		t.Error("script error should not be tolerated")
	}
	if !strings.Contains(res.Err.Error(), "unmapped") && !strings.Contains(res.Err.Error(), "fault") {
		t.Errorf("error does not mention the fault: %v", res.Err)
	}
}

func TestHooks_OnFaultSkip(t *testing.T) {
	code := []byte{
		0xF7, 0xF1, // div ecx, ECX=0
		0x40,       // inc eax
		0xEB, 0xFE,
	}
	r := newTestRunner(t, CPUX86Config{MaxSteps: 3}, code...)
	attachScript(t, r, `
faults = 0
function on_fault(s, message)
  faults = faults + 1
  if string.find(message, "divide") then return "skip" end
  return "stop"
end`)
	res := r.Run(context.Background())
	if res.Reason != StopBudget || res.Skipped != 1 {
		t.Errorf("got %+v", res)
	}
	if r.GetCPU().Reg[x86.EAX] != 1 {
		t.Errorf("EAX: got %d, want 1", r.GetCPU().Reg[x86.EAX])
	}
}

func TestHooks_OnFaultStopOverridesSkip(t *testing.T) {
	r := newTestRunner(t, CPUX86Config{MaxSteps: 3, SkipFaults: true}, 0xF7, 0xF1, 0x40)
	attachScript(t, r, `function on_fault(s, message) return "stop" end`)
	res := r.Run(context.Background())
	if res.Reason != StopFault || !errors.Is(res.Err, x86.ErrInvalidOperand) {
		t.Errorf("got %+v", res)
	}
}

func TestHooks_LoadErrors(t *testing.T) {
	r := newTestRunner(t, CPUX86Config{}, 0x90)
	if _, err := NewLuaHooks("bad.lua", "function on_step(", r.Debug()); err == nil {
		t.Error("syntax error accepted")
	}
	if _, err := NewLuaHooks("empty.lua", "x = 1", r.Debug()); err == nil {
		t.Error("script without hooks accepted")
	}
	if _, err := NewLuaHooks("boom.lua", `error("boom")`, r.Debug()); err == nil {
		t.Error("runtime error in script body accepted")
	}

	path := filepath.Join(t.TempDir(), "hooks.lua")
	if err := os.WriteFile(path, []byte("function on_step(s) end"), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := LoadLuaHooks(path, r.Debug())
	if err != nil {
		t.Fatalf("LoadLuaHooks: %v", err)
	}
	h.Close()
	if _, err := LoadLuaHooks(path+".missing", r.Debug()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v", err)
	}
}
