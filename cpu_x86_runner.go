// cpu_x86_runner.go - x86 CPU Program Runner
//
// Owns one CPU and its paged memory: maps the image and stack regions, loads a
// flat binary, and drives Step under an instruction budget and a context.
// Step errors are logged and either end the run or, in permissive mode, are
// skipped past when the faulting instruction's length is known.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/intuitionamiga/IntuitionX86/x86"
	"github.com/sirupsen/logrus"
)

const (
	defaultX86LoadAddr  = 0x00401000
	defaultX86MemSize   = 0x00100000 // 1MB image region
	defaultX86StackAddr = 0x00200000 // initial ESP, top of the stack region
	defaultX86StackSize = 0x00010000 // 64KB
	defaultX86MaxSteps  = 1_000_000

	// How often the run loop polls its context
	x86ContextPollMask = 0xFFF
)

// CPUX86Config holds configuration for the x86 runner. Zero addresses and
// sizes take the defaults, so address 0 cannot be used for the image or stack.
type CPUX86Config struct {
	LoadAddr   uint32
	Entry      uint32 // 0 = LoadAddr
	MemSize    uint32
	StackAddr  uint32
	StackSize  uint32
	MaxSteps   uint64 // 0 = unlimited
	SkipFaults bool
	Logger     *logrus.Logger
}

// StopReason says why Run returned.
type StopReason int

const (
	StopBudget StopReason = iota
	StopFault
	StopCancelled
	StopHook
	StopBreakpoint
	StopQuit
)

var stopReasonNames = [...]string{"budget exhausted", "fault", "cancelled", "stopped by hook", "breakpoint", "quit"}

func (s StopReason) String() string {
	if int(s) < len(stopReasonNames) {
		return stopReasonNames[s]
	}
	return fmt.Sprintf("StopReason(%d)", int(s))
}

// RunResult summarises one Run call.
type RunResult struct {
	Reason  StopReason
	Steps   uint64 // instructions retired during this run
	Skipped int    // faulting instructions skipped in permissive mode
	Err     error  // the step or hook error that ended the run
}

// CPUX86Runner manages the x86 CPU and its memory
type CPUX86Runner struct {
	cpu    *x86.CPU
	mem    *x86.PagedMemory
	config CPUX86Config
	log    *logrus.Logger

	hooks *LuaHooks
	debug *DebugX86

	// Where the last run stopped on a breakpoint
	resumePC    uint32
	resumeSteps uint64
	resumeArmed bool

	// Performance monitoring
	PerfEnabled      bool      // Enable MIPS reporting
	InstructionCount uint64    // Total instructions executed
	perfStartTime    time.Time // When execution started
	lastPerfReport   time.Time // Last time we printed stats
}

func (c *CPUX86Config) applyDefaults() {
	if c.LoadAddr == 0 {
		c.LoadAddr = defaultX86LoadAddr
	}
	if c.Entry == 0 {
		c.Entry = c.LoadAddr
	}
	if c.MemSize == 0 {
		c.MemSize = defaultX86MemSize
	}
	if c.StackAddr == 0 {
		c.StackAddr = defaultX86StackAddr
	}
	if c.StackSize == 0 {
		c.StackSize = defaultX86StackSize
	}
}

// discardLogger is used when the caller supplies none.
func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// NewCPUX86Runner creates a runner with the image and stack regions mapped.
// The layout is sealed once a program is loaded.
func NewCPUX86Runner(config *CPUX86Config) (*CPUX86Runner, error) {
	cfg := CPUX86Config{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}

	if cfg.StackSize > cfg.StackAddr {
		return nil, fmt.Errorf("stack of %#x bytes does not fit below %#08x", cfg.StackSize, cfg.StackAddr)
	}
	if cfg.Entry < cfg.LoadAddr || uint64(cfg.Entry) >= uint64(cfg.LoadAddr)+uint64(cfg.MemSize) {
		return nil, fmt.Errorf("entry %#08x outside image region %#08x+%#x", cfg.Entry, cfg.LoadAddr, cfg.MemSize)
	}

	mem := x86.NewPagedMemory()
	if err := mem.Map(cfg.LoadAddr, cfg.MemSize, x86.PermRW); err != nil {
		return nil, fmt.Errorf("failed to map image region: %w", err)
	}
	if err := mem.Map(cfg.StackAddr-cfg.StackSize, cfg.StackSize, x86.PermRW); err != nil {
		return nil, fmt.Errorf("failed to map stack region: %w", err)
	}

	r := &CPUX86Runner{
		cpu:    x86.NewCPU(mem),
		mem:    mem,
		config: cfg,
		log:    cfg.Logger,
	}
	r.debug = NewDebugX86(r.cpu, r.mem)
	r.Reset()
	return r, nil
}

// LoadProgramData loads a flat binary at the load address.
func (r *CPUX86Runner) LoadProgramData(data []byte) error {
	if uint64(len(data)) > uint64(r.config.MemSize) {
		return fmt.Errorf("program too large: %d bytes (image region is %d)", len(data), r.config.MemSize)
	}
	if err := r.mem.Load(r.config.LoadAddr, data); err != nil {
		return fmt.Errorf("failed to load program: %w", err)
	}
	r.mem.Seal()
	r.Reset()
	r.log.WithFields(logrus.Fields{
		"load":  fmt.Sprintf("%08x", r.config.LoadAddr),
		"entry": fmt.Sprintf("%08x", r.config.Entry),
		"bytes": len(data),
	}).Info("program loaded")
	return nil
}

// LoadProgram loads a binary program from a file
func (r *CPUX86Runner) LoadProgram(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return r.LoadProgramData(data)
}

// SetHooks attaches Lua hooks; nil detaches them.
func (r *CPUX86Runner) SetHooks(h *LuaHooks) { r.hooks = h }

// Reset clears the CPU and points it at the entry with an empty stack.
func (r *CPUX86Runner) Reset() {
	r.cpu.Reset()
	r.resumeArmed = false
	r.cpu.EIP = r.config.Entry
	r.cpu.Reg[x86.ESP] = r.config.StackAddr
}

// GetCPU returns the CPU instance
func (r *CPUX86Runner) GetCPU() *x86.CPU { return r.cpu }

// Memory returns the runner's address space.
func (r *CPUX86Runner) Memory() *x86.PagedMemory { return r.mem }

// Debug returns the register/breakpoint adapter.
func (r *CPUX86Runner) Debug() *DebugX86 { return r.debug }

// Step executes a single instruction
func (r *CPUX86Runner) Step() error {
	err := r.cpu.Step()
	if err == nil {
		r.trace()
	}
	return err
}

func (r *CPUX86Runner) trace() {
	if !r.log.IsLevelEnabled(logrus.TraceLevel) || r.cpu.Instr == nil {
		return
	}
	r.log.WithFields(logrus.Fields{
		"eip":      fmt.Sprintf("%08x", r.cpu.Instr.Addr),
		"bytes":    fmt.Sprintf("% x", r.cpu.Instr.Bytes),
		"mnemonic": r.cpu.Info.Mnemonic,
		"steps":    r.cpu.Steps,
	}).Trace("step")
}

// instructionLength finds the length of the instruction at EIP after a
// failed step, decoding it again if Step never got that far.
func (r *CPUX86Runner) instructionLength() (int, bool) {
	if in := r.cpu.Instr; in != nil && in.Addr == r.cpu.EIP {
		return in.Len, true
	}
	var buf [x86.MaxInstructionLength]byte
	n, _ := x86.FetchCode(r.mem, r.cpu.EIP, buf[:])
	in, err := x86.Decode(buf[:n], r.cpu.EIP)
	if err != nil {
		return 0, false
	}
	return in.Len, true
}

// handleFault decides whether the run survives a step error. It returns true
// when the instruction was skipped.
func (r *CPUX86Runner) handleFault(stepErr error) (bool, error) {
	skip := r.config.SkipFaults
	if r.hooks != nil {
		action, err := r.hooks.OnFault(stepErr)
		if err != nil {
			return false, err
		}
		switch action {
		case "stop":
			skip = false
		case "skip":
			skip = true
		}
	}

	fields := logrus.Fields{"eip": fmt.Sprintf("%08x", r.cpu.EIP), "steps": r.cpu.Steps}
	if !skip {
		r.log.WithFields(fields).WithError(stepErr).Error("step failed")
		return false, nil
	}
	n, ok := r.instructionLength()
	if !ok {
		r.log.WithFields(fields).WithError(stepErr).Error("step failed, instruction length unknown")
		return false, nil
	}
	r.log.WithFields(fields).WithError(stepErr).Warn("skipping faulting instruction")
	r.cpu.EIP += uint32(n)
	return true, nil
}

// Run executes until the budget is spent, the context ends, a hook or
// breakpoint stops it, or a step error is not tolerated.
func (r *CPUX86Runner) Run(ctx context.Context) (res RunResult) {
	start := r.cpu.Steps

	// Initialize perf counters if enabled
	if r.PerfEnabled {
		r.perfStartTime = time.Now()
		r.lastPerfReport = r.perfStartTime
		r.InstructionCount = 0
	}
	defer func() {
		res.Steps = r.cpu.Steps - start
		if r.PerfEnabled {
			r.reportPerf(time.Now())
		}
	}()

	for i := uint64(0); ; i++ {
		if i&x86ContextPollMask == 0 {
			if err := ctx.Err(); err != nil {
				res.Reason, res.Err = StopCancelled, err
				r.log.WithField("steps", r.cpu.Steps).Info("run cancelled")
				return res
			}
		}
		if r.config.MaxSteps != 0 && r.cpu.Steps-start >= r.config.MaxSteps {
			res.Reason = StopBudget
			r.log.WithField("steps", r.cpu.Steps).Info("instruction budget exhausted")
			return res
		}
		// A run resumed from a breakpoint executes that instruction first
		if i == 0 && r.resumeArmed && r.cpu.EIP == r.resumePC && r.cpu.Steps == r.resumeSteps {
			r.resumeArmed = false
		} else if r.debug.AtBreakpoint() {
			r.resumePC, r.resumeSteps, r.resumeArmed = r.cpu.EIP, r.cpu.Steps, true
			res.Reason = StopBreakpoint
			r.log.WithField("eip", fmt.Sprintf("%08x", r.cpu.EIP)).Info("breakpoint")
			return res
		}

		if err := r.Step(); err != nil {
			skipped, herr := r.handleFault(err)
			if herr != nil {
				res.Reason, res.Err = StopHook, herr
				return res
			}
			if !skipped {
				res.Reason, res.Err = StopFault, err
				return res
			}
			res.Skipped++
			if r.watchpointHit() {
				res.Reason = StopBreakpoint
				return res
			}
			continue
		}

		if r.hooks != nil {
			stop, err := r.hooks.OnStep()
			if err != nil || stop {
				res.Reason, res.Err = StopHook, err
				return res
			}
		}
		if r.watchpointHit() {
			res.Reason = StopBreakpoint
			return res
		}

		// Performance monitoring
		if r.PerfEnabled {
			r.InstructionCount++
			if r.InstructionCount&0xFFFFFF == 0 { // Every ~16M instructions
				if now := time.Now(); now.Sub(r.lastPerfReport) >= time.Second {
					r.reportPerf(now)
				}
			}
		}
	}
}

// watchpointHit logs and reports a watched byte changed by the last step,
// whether it retired or was skipped.
func (r *CPUX86Runner) watchpointHit() bool {
	w, ok := r.debug.CheckWatchpoints()
	if !ok {
		return false
	}
	r.log.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("%08x", w.Address),
		"old":  w.Old,
		"new":  w.New,
	}).Info("watchpoint")
	return true
}

func (r *CPUX86Runner) reportPerf(now time.Time) {
	elapsed := now.Sub(r.perfStartTime).Seconds()
	if elapsed <= 0 {
		return
	}
	mips := float64(r.InstructionCount) / elapsed / 1_000_000
	r.log.WithFields(logrus.Fields{
		"mips":         fmt.Sprintf("%.2f", mips),
		"instructions": r.InstructionCount,
		"elapsed":      fmt.Sprintf("%.1fs", elapsed),
	}).Info("x86 performance")
	r.lastPerfReport = now
}

// tolerated reports whether the run ended without a program or script error.
func (res RunResult) tolerated() bool {
	switch res.Reason {
	case StopBudget, StopBreakpoint, StopQuit:
		return true
	case StopCancelled:
		return errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)
	case StopHook:
		return res.Err == nil
	}
	return false
}
