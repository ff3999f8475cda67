// main.go - IntuitionX86 command line runner
//
// Loads a flat 32-bit x86 binary into a paged address space and interprets it
// under an instruction budget, optionally with Lua hooks, tracing, or
// interactive single-stepping.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/intuitionamiga/IntuitionX86/x86"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Exit codes
const (
	exitOK    = 0
	exitSetup = 1
	exitFault = 2
)

func boilerPlate(colored bool) {
	title := color.New(color.FgHiMagenta, color.Bold)
	sub := color.New(color.FgMagenta)
	if !colored {
		title.DisableColor()
		sub.DisableColor()
	}
	title.Println("\nIntuitionX86")
	sub.Println("IA-32 integer interpreter")
	fmt.Println("(c) 2024-2026 Zayn Otley - GPLv3 or later")
	fmt.Println()
}

// options is everything parsed from the command line.
type options struct {
	config      CPUX86Config
	filename    string
	logLevel    logrus.Level
	timeout     time.Duration
	script      string
	step        bool
	dump        bool
	listOpcodes bool
	perf        bool
	quiet       bool
	breakpoints []uint32
	watchpoints []uint32
}

func usage() {
	fmt.Println("Usage: ./intuition_x86 [options] program.bin")
	fmt.Println("       ./intuition_x86 -list-opcodes")
	fmt.Println()
	fmt.Println("Addresses and sizes accept decimal or 0x-prefixed hex and must be non-zero.")
}

// parseFlags parses args (without the program name).
func parseFlags(args []string) (*options, error) {
	flagSet := flag.NewFlagSet("intuition_x86", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	loadAddr := flagSet.String("load-addr", fmt.Sprintf("0x%08X", defaultX86LoadAddr), "Load address of the program image")
	entry := flagSet.String("entry", "", "Entry point (default: load address)")
	memSize := flagSet.String("mem-size", fmt.Sprintf("0x%X", defaultX86MemSize), "Size of the mapped image region")
	stackAddr := flagSet.String("stack-addr", fmt.Sprintf("0x%08X", defaultX86StackAddr), "Initial ESP, top of the stack region")
	stackSize := flagSet.String("stack-size", fmt.Sprintf("0x%X", defaultX86StackSize), "Size of the stack region")
	maxSteps := flagSet.Uint64("max-steps", defaultX86MaxSteps, "Instruction budget (0 = unlimited)")
	timeout := flagSet.Duration("timeout", 0, "Wall-clock limit (0 = none)")
	skipFaults := flagSet.Bool("skip-faults", false, "Skip faulting instructions whose length is known")
	trace := flagSet.Bool("trace", false, "Log every instruction (same as -log-level trace)")
	logLevel := flagSet.String("log-level", "info", "Log level: panic, fatal, error, warn, info, debug, trace")
	script := flagSet.String("script", "", "Lua hook script")
	step := flagSet.Bool("step", false, "Interactive single-step mode")
	dump := flagSet.Bool("dump", false, "Print the registers when the run ends")
	listOpcodes := flagSet.Bool("list-opcodes", false, "List the implemented opcodes and exit")
	perf := flagSet.Bool("perf", false, "Report MIPS")
	quiet := flagSet.Bool("quiet", false, "Suppress the banner")

	var breakpoints, watchpoints []uint32
	addrList := func(dst *[]uint32) func(string) error {
		return func(value string) error {
			v, err := parseUint32Flag(value)
			if err != nil {
				return err
			}
			*dst = append(*dst, v)
			return nil
		}
	}
	flagSet.Func("break", "Stop before executing the instruction at this address (repeatable)", addrList(&breakpoints))
	flagSet.Func("watch", "Stop after a write changes the byte at this address (repeatable)", addrList(&watchpoints))

	flagSet.Usage = func() {
		usage()
		flagSet.SetOutput(os.Stdout)
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	opts := &options{
		timeout:     *timeout,
		script:      *script,
		step:        *step,
		dump:        *dump,
		listOpcodes: *listOpcodes,
		perf:        *perf,
		quiet:       *quiet,
		breakpoints: breakpoints,
		watchpoints: watchpoints,
	}
	opts.config.MaxSteps = *maxSteps
	opts.config.SkipFaults = *skipFaults

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		return nil, err
	}
	if *trace {
		level = logrus.TraceLevel
	}
	opts.logLevel = level

	for _, f := range []struct {
		name  string
		value string
		dst   *uint32
	}{
		{"load-addr", *loadAddr, &opts.config.LoadAddr},
		{"entry", *entry, &opts.config.Entry},
		{"mem-size", *memSize, &opts.config.MemSize},
		{"stack-addr", *stackAddr, &opts.config.StackAddr},
		{"stack-size", *stackSize, &opts.config.StackSize},
	} {
		if f.value == "" {
			continue
		}
		v, err := parseUint32Flag(f.value)
		if err != nil {
			return nil, fmt.Errorf("invalid -%s: %w", f.name, err)
		}
		// The runner reads a zero field as unset
		if v == 0 {
			return nil, fmt.Errorf("invalid -%s: must be non-zero", f.name)
		}
		*f.dst = v
	}

	if opts.listOpcodes {
		return opts, nil
	}
	if flagSet.NArg() != 1 {
		return nil, errors.New("expected exactly one program file")
	}
	opts.filename = flagSet.Arg(0)
	return opts, nil
}

func parseUint32Flag(value string) (uint32, error) {
	parsed, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return 0, err
	}
	if parsed > 0xFFFFFFFF {
		return 0, fmt.Errorf("value out of range: 0x%X", parsed)
	}
	return uint32(parsed), nil
}

func newLogger(level logrus.Level, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

func listOpcodes(w io.Writer) {
	for _, d := range x86.Opcodes() {
		kind := ""
		if d.Info.Branch {
			kind = " (branch)"
		}
		fmt.Fprintf(w, "%-10s %s%s\n", d, d.Info.Mnemonic, kind)
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		usage()
		return exitSetup
	}

	colored := term.IsTerminal(int(os.Stdout.Fd()))
	if opts.listOpcodes {
		listOpcodes(os.Stdout)
		return exitOK
	}
	if !opts.quiet {
		boilerPlate(colored)
	}

	log := newLogger(opts.logLevel, os.Stderr)
	opts.config.Logger = log

	runner, err := NewCPUX86Runner(&opts.config)
	if err != nil {
		log.WithError(err).Error("failed to create runner")
		return exitSetup
	}
	if err := runner.LoadProgram(opts.filename); err != nil {
		log.WithError(err).Error("failed to load program")
		return exitSetup
	}
	runner.PerfEnabled = opts.perf
	for _, addr := range opts.breakpoints {
		runner.Debug().SetBreakpoint(addr)
	}
	for _, addr := range opts.watchpoints {
		if err := runner.Debug().SetWatchpoint(addr); err != nil {
			log.WithError(err).Error("failed to set watchpoint")
			return exitSetup
		}
	}

	if opts.script != "" {
		hooks, err := LoadLuaHooks(opts.script, runner.Debug())
		if err != nil {
			log.WithError(err).Error("failed to load script")
			return exitSetup
		}
		defer hooks.Close()
		runner.SetHooks(hooks)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	var res RunResult
	if opts.step {
		host := NewTerminalHost(os.Stdin)
		if err := host.Start(); err != nil {
			log.WithError(err).Error("failed to start terminal")
			return exitSetup
		}
		var out io.Writer = os.Stdout
		if host.Raw() {
			out = crlfWriter{os.Stdout}
		}
		res = runner.Interactive(ctx, host.Keys(), out, colored)
		host.Stop()
	} else {
		res = runner.Run(ctx)
	}

	log.WithFields(logrus.Fields{
		"reason":  res.Reason.String(),
		"steps":   res.Steps,
		"skipped": res.Skipped,
	}).Info("run finished")
	if opts.dump {
		runner.Debug().DumpRegisters(os.Stdout, nil, colored)
	}

	if !res.tolerated() {
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", res.Err)
		}
		return exitFault
	}
	return exitOK
}
