// debug_cpu_x86.go - X86 debug adapter: registers by name, breakpoints,
// watchpoints and the register dump
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/intuitionamiga/IntuitionX86/x86"
)

// RegisterInfo describes one register for display.
type RegisterInfo struct {
	Name     string
	BitWidth int
	Value    uint64
	Group    string // "general", "flags"
}

// Breakpoint is an execution breakpoint and its hit count.
type Breakpoint struct {
	Address  uint32
	HitCount uint64
}

// Watchpoint tracks one byte of memory.
type Watchpoint struct {
	Address   uint32
	LastValue byte
}

// WatchHit reports a watched byte that changed.
type WatchHit struct {
	Address uint32
	Old     byte
	New     byte
}

type DebugX86 struct {
	cpu *x86.CPU
	mem *x86.PagedMemory

	bpMu        sync.RWMutex
	breakpoints map[uint32]*Breakpoint
	watchpoints map[uint32]*Watchpoint
}

func NewDebugX86(cpu *x86.CPU, mem *x86.PagedMemory) *DebugX86 {
	return &DebugX86{
		cpu:         cpu,
		mem:         mem,
		breakpoints: make(map[uint32]*Breakpoint),
		watchpoints: make(map[uint32]*Watchpoint),
	}
}

// registerOrder is the display order of the general registers.
var registerOrder = [8]byte{x86.EAX, x86.EBX, x86.ECX, x86.EDX, x86.ESI, x86.EDI, x86.EBP, x86.ESP}

func (d *DebugX86) GetRegisters() []RegisterInfo {
	c := d.cpu
	regs := make([]RegisterInfo, 0, 10)
	for _, r := range registerOrder {
		regs = append(regs, RegisterInfo{Name: strings.ToUpper(x86.Reg32Names[r]), BitWidth: 32, Value: uint64(c.Reg[r]), Group: "general"})
	}
	regs = append(regs,
		RegisterInfo{Name: "EIP", BitWidth: 32, Value: uint64(c.EIP), Group: "general"},
		RegisterInfo{Name: "EFLAGS", BitWidth: 32, Value: uint64(c.EFlags), Group: "flags"},
	)
	return regs
}

// regIndex maps a 32-bit register name to its index.
func regIndex(name string) (int, bool) {
	for i, n := range x86.Reg32Names {
		if strings.EqualFold(n, name) {
			return i, true
		}
	}
	return 0, false
}

func (d *DebugX86) GetRegister(name string) (uint64, bool) {
	c := d.cpu
	switch strings.ToUpper(name) {
	case "EIP":
		return uint64(c.EIP), true
	case "FLAGS", "EFLAGS":
		return uint64(c.EFlags), true
	}
	if i, ok := regIndex(name); ok {
		return uint64(c.Reg[i]), true
	}
	return 0, false
}

func (d *DebugX86) SetRegister(name string, value uint64) bool {
	c := d.cpu
	switch strings.ToUpper(name) {
	case "EIP":
		c.EIP = uint32(value)
	case "FLAGS", "EFLAGS":
		// Bit 1 always reads as one
		c.EFlags = uint32(value) | x86.ResetFlags
	default:
		i, ok := regIndex(name)
		if !ok {
			return false
		}
		c.Reg[i] = uint32(value)
	}
	return true
}

func (d *DebugX86) GetPC() uint64     { return uint64(d.cpu.EIP) }
func (d *DebugX86) SetPC(addr uint64) { d.cpu.EIP = uint32(addr) }

func (d *DebugX86) SetBreakpoint(addr uint32) {
	d.bpMu.Lock()
	defer d.bpMu.Unlock()
	d.breakpoints[addr] = &Breakpoint{Address: addr}
}

func (d *DebugX86) ClearBreakpoint(addr uint32) bool {
	d.bpMu.Lock()
	defer d.bpMu.Unlock()
	if _, ok := d.breakpoints[addr]; ok {
		delete(d.breakpoints, addr)
		return true
	}
	return false
}

func (d *DebugX86) ListBreakpoints() []uint32 {
	d.bpMu.RLock()
	defer d.bpMu.RUnlock()
	result := make([]uint32, 0, len(d.breakpoints))
	for addr := range d.breakpoints {
		result = append(result, addr)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// AtBreakpoint reports whether EIP sits on a breakpoint and counts the hit.
func (d *DebugX86) AtBreakpoint() bool {
	d.bpMu.Lock()
	defer d.bpMu.Unlock()
	bp := d.breakpoints[d.cpu.EIP]
	if bp == nil {
		return false
	}
	bp.HitCount++
	return true
}

// HitCount returns how often the breakpoint at addr stopped a run.
func (d *DebugX86) HitCount(addr uint32) uint64 {
	d.bpMu.RLock()
	defer d.bpMu.RUnlock()
	if bp := d.breakpoints[addr]; bp != nil {
		return bp.HitCount
	}
	return 0
}

// SetWatchpoint watches the byte at addr. It fails on unmapped memory.
func (d *DebugX86) SetWatchpoint(addr uint32) error {
	val, err := d.mem.Read8(addr)
	if err != nil {
		return err
	}
	d.bpMu.Lock()
	defer d.bpMu.Unlock()
	d.watchpoints[addr] = &Watchpoint{Address: addr, LastValue: val}
	return nil
}

func (d *DebugX86) ClearWatchpoint(addr uint32) bool {
	d.bpMu.Lock()
	defer d.bpMu.Unlock()
	if _, ok := d.watchpoints[addr]; ok {
		delete(d.watchpoints, addr)
		return true
	}
	return false
}

// CheckWatchpoints returns the first watched byte that changed since the last
// check and records its new value.
func (d *DebugX86) CheckWatchpoints() (WatchHit, bool) {
	d.bpMu.Lock()
	defer d.bpMu.Unlock()
	for _, wp := range d.watchpoints {
		cur, err := d.mem.Read8(wp.Address)
		if err != nil || cur == wp.LastValue {
			continue
		}
		hit := WatchHit{Address: wp.Address, Old: wp.LastValue, New: cur}
		wp.LastValue = cur
		return hit, true
	}
	return WatchHit{}, false
}

// ReadMemory returns size bytes at addr, or nil if any byte is unmapped.
func (d *DebugX86) ReadMemory(addr uint32, size int) []byte {
	data, err := d.mem.Dump(addr, size)
	if err != nil {
		return nil
	}
	return data
}

// -----------------------------------------------------------------------------
// Register dump
// -----------------------------------------------------------------------------

var flagLetters = []struct {
	flag   x86.Flags
	letter byte
}{
	{x86.FlagOF, 'O'}, {x86.FlagDF, 'D'}, {x86.FlagIF, 'I'}, {x86.FlagTF, 'T'},
	{x86.FlagSF, 'S'}, {x86.FlagZF, 'Z'}, {x86.FlagAF, 'A'}, {x86.FlagPF, 'P'},
	{x86.FlagCF, 'C'},
}

// FlagString renders EFLAGS as letters, upper case when set.
func FlagString(eflags uint32) string {
	var sb strings.Builder
	for _, f := range flagLetters {
		if eflags&uint32(f.flag) != 0 {
			sb.WriteByte(f.letter)
		} else {
			sb.WriteByte(f.letter + ('a' - 'A'))
		}
	}
	return sb.String()
}

// DumpRegisters writes the register file, highlighting registers that differ
// from prev when prev is non-nil.
func (d *DebugX86) DumpRegisters(w io.Writer, prev *x86.State, colored bool) {
	name := color.New(color.FgCyan)
	changed := color.New(color.FgYellow, color.Bold)
	plain := color.New()
	for _, c := range []*color.Color{name, changed, plain} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	s := d.cpu.Snapshot()
	for i, r := range registerOrder {
		val := plain
		if prev != nil && prev.Reg[r] != s.Reg[r] {
			val = changed
		}
		name.Fprintf(w, "%s=", strings.ToUpper(x86.Reg32Names[r]))
		val.Fprintf(w, "%08X", s.Reg[r])
		if i%4 == 3 {
			fmt.Fprintln(w)
		} else {
			fmt.Fprint(w, "  ")
		}
	}

	val := plain
	if prev != nil && prev.EFlags != s.EFlags {
		val = changed
	}
	name.Fprint(w, "EIP=")
	plain.Fprintf(w, "%08X", s.EIP)
	fmt.Fprint(w, "  ")
	name.Fprint(w, "EFLAGS=")
	val.Fprintf(w, "%08X [%s]", s.EFlags, FlagString(s.EFlags))
	fmt.Fprintf(w, "  steps=%d\n", d.cpu.Steps)
}
