// terminal_host.go - Interactive single-step host for the x86 runner
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// TerminalHost reads keypresses from stdin, in raw mode when stdin is a
// terminal, and delivers them on Keys.
type TerminalHost struct {
	in           io.Reader
	keys         chan byte
	stopCh       chan struct{}
	stopped      sync.Once
	fd           int
	oldTermState *term.State
}

// NewTerminalHost creates a host reading from in. Raw mode is only used when
// in is a terminal.
func NewTerminalHost(in io.Reader) *TerminalHost {
	h := &TerminalHost{
		in:     in,
		keys:   make(chan byte, 16),
		stopCh: make(chan struct{}),
		fd:     -1,
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		h.fd = int(f.Fd())
	}
	return h
}

// Raw reports whether the terminal is in raw mode.
func (h *TerminalHost) Raw() bool { return h.oldTermState != nil }

// Start puts the terminal in raw mode and begins reading in a goroutine.
// Keys is closed when input ends.
func (h *TerminalHost) Start() error {
	if h.fd >= 0 {
		oldState, err := term.MakeRaw(h.fd)
		if err != nil {
			return fmt.Errorf("terminal_host: failed to set raw mode: %w", err)
		}
		h.oldTermState = oldState
	}

	go func() {
		defer close(h.keys)
		buf := make([]byte, 1)
		for {
			n, err := h.in.Read(buf)
			if n > 0 {
				select {
				case h.keys <- buf[0]:
				case <-h.stopCh:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return nil
}

// Keys delivers one byte per keypress.
func (h *TerminalHost) Keys() <-chan byte { return h.keys }

// Stop restores the terminal. The reader goroutine ends with the next key or
// at end of input.
func (h *TerminalHost) Stop() {
	h.stopped.Do(func() {
		close(h.stopCh)
	})
	if h.oldTermState != nil {
		_ = term.Restore(h.fd, h.oldTermState)
		h.oldTermState = nil
	}
}

// crlfWriter adds the carriage returns raw mode no longer inserts.
type crlfWriter struct{ w io.Writer }

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

const interactiveHelp = "keys: s/space/enter step, c continue to breakpoint or budget, r registers, q quit\n"

// Interactive drives the runner from keypresses until q, end of input, the
// context ends, or the program stops.
func (r *CPUX86Runner) Interactive(ctx context.Context, keys <-chan byte, out io.Writer, colored bool) RunResult {
	var res RunResult
	start := r.cpu.Steps
	fmt.Fprint(out, interactiveHelp)
	r.printLocation(out)
	r.debug.DumpRegisters(out, nil, colored)

	for {
		var key byte
		select {
		case <-ctx.Done():
			res.Reason, res.Err = StopCancelled, ctx.Err()
			res.Steps = r.cpu.Steps - start
			return res
		case k, ok := <-keys:
			if !ok {
				res.Reason = StopQuit
				res.Steps = r.cpu.Steps - start
				return res
			}
			key = k
		}

		switch key {
		case 's', ' ', '\r', '\n':
			prev := r.cpu.Snapshot()
			if err := r.Step(); err != nil {
				fmt.Fprintf(out, "fault: %v\n", err)
				skipped, herr := r.handleFault(err)
				if herr != nil || !skipped {
					res.Reason, res.Err = StopFault, err
					if herr != nil {
						res.Reason, res.Err = StopHook, herr
					}
					res.Steps = r.cpu.Steps - start
					return res
				}
				res.Skipped++
			}
			r.printLocation(out)
			r.debug.DumpRegisters(out, &prev, colored)
		case 'c':
			prev := r.cpu.Snapshot()
			run := r.Run(ctx)
			res.Skipped += run.Skipped
			fmt.Fprintf(out, "stopped: %s after %d steps\n", run.Reason, run.Steps)
			r.printLocation(out)
			r.debug.DumpRegisters(out, &prev, colored)
			if run.Reason != StopBreakpoint {
				run.Steps = r.cpu.Steps - start
				run.Skipped = res.Skipped
				return run
			}
		case 'r':
			r.debug.DumpRegisters(out, nil, colored)
		case 'q', 0x03, 0x04: // q, Ctrl-C, Ctrl-D
			res.Reason = StopQuit
			res.Steps = r.cpu.Steps - start
			return res
		default:
			fmt.Fprint(out, interactiveHelp)
		}
	}
}

// printLocation shows the instruction at EIP.
func (r *CPUX86Runner) printLocation(out io.Writer) {
	data := r.debug.ReadMemory(r.cpu.EIP, 1)
	if data == nil {
		fmt.Fprintf(out, "%08X: <unmapped>\n", r.cpu.EIP)
		return
	}
	if n, ok := r.instructionLength(); ok {
		data = r.debug.ReadMemory(r.cpu.EIP, n)
	}
	fmt.Fprintf(out, "%08X: % x\n", r.cpu.EIP, data)
}
