// main_test.go - command line tests
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestParseUint32Flag(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"0x00401000", 0x00401000, true},
		{"4096", 4096, true},
		{"0xFFFFFFFF", 0xFFFFFFFF, true},
		{"0x100000000", 0, false},
		{"-1", 0, false},
		{"zz", 0, false},
	}
	for _, tc := range tests {
		got, err := parseUint32Flag(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("parseUint32Flag(%q): got 0x%X, %v", tc.in, got, err)
		}
	}
}

func TestParseFlags_Defaults(t *testing.T) {
	opts, err := parseFlags([]string{"prog.bin"})
	if err != nil {
		t.Fatal(err)
	}
	c := opts.config
	if c.LoadAddr != defaultX86LoadAddr || c.Entry != 0 || c.MemSize != defaultX86MemSize {
		t.Errorf("image config: %+v", c)
	}
	if c.StackAddr != defaultX86StackAddr || c.StackSize != defaultX86StackSize {
		t.Errorf("stack config: %+v", c)
	}
	if c.MaxSteps != defaultX86MaxSteps || c.SkipFaults {
		t.Errorf("run config: %+v", c)
	}
	if opts.filename != "prog.bin" || opts.logLevel != logrus.InfoLevel {
		t.Errorf("options: %+v", opts)
	}
}

func TestParseFlags_Values(t *testing.T) {
	opts, err := parseFlags([]string{
		"-load-addr", "0x1000", "-entry", "0x1010", "-mem-size", "8192",
		"-stack-addr", "0x80000", "-stack-size", "0x1000",
		"-max-steps", "0", "-skip-faults", "-timeout", "2s",
		"-trace", "-script", "hooks.lua", "-dump", "-perf", "-quiet",
		"-break", "0x1010", "-break", "0x1020", "-watch", "0x2000",
		"prog.bin",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := CPUX86Config{LoadAddr: 0x1000, Entry: 0x1010, MemSize: 8192, StackAddr: 0x80000, StackSize: 0x1000, SkipFaults: true}
	if opts.config != want {
		t.Errorf("config: got %+v, want %+v", opts.config, want)
	}
	if opts.logLevel != logrus.TraceLevel || opts.timeout != 2*time.Second || opts.script != "hooks.lua" {
		t.Errorf("options: %+v", opts)
	}
	if !opts.dump || !opts.perf || !opts.quiet || opts.step {
		t.Errorf("switches: %+v", opts)
	}
	if len(opts.breakpoints) != 2 || opts.breakpoints[1] != 0x1020 || len(opts.watchpoints) != 1 || opts.watchpoints[0] != 0x2000 {
		t.Errorf("breakpoints %x watchpoints %x", opts.breakpoints, opts.watchpoints)
	}
}

func TestParseFlags_Errors(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"a.bin", "b.bin"},
		{"-load-addr", "0x1FFFFFFFF", "a.bin"},
		{"-entry", "nope", "a.bin"},
		{"-log-level", "loud", "a.bin"},
		{"-no-such-flag", "a.bin"},
		{"-break", "0xZZ", "a.bin"},
		{"-load-addr", "0", "a.bin"},
		{"-entry", "0x0", "a.bin"},
		{"-stack-addr", "0", "a.bin"},
		{"-mem-size", "0", "a.bin"},
		{"-stack-size", "00", "a.bin"},
	} {
		if _, err := parseFlags(args); err == nil {
			t.Errorf("%q: accepted", args)
		}
	}
	if _, err := parseFlags([]string{"-load-addr", "0", "a.bin"}); err == nil || !strings.Contains(err.Error(), "-load-addr: must be non-zero") {
		t.Errorf("-load-addr 0: got %v", err)
	}
	if _, err := parseFlags([]string{"-h"}); !errors.Is(err, flag.ErrHelp) {
		t.Errorf("-h: got %v", err)
	}
	if opts, err := parseFlags([]string{"-list-opcodes"}); err != nil || !opts.listOpcodes {
		t.Errorf("-list-opcodes without a file: %v", err)
	}
}

func TestListOpcodes(t *testing.T) {
	var buf bytes.Buffer
	listOpcodes(&buf)
	out := buf.String()
	for _, want := range []string{"00         add\n", "0f ba /5   bts\n", "e8         call (branch)\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q", want)
		}
	}
}

func writeProgram(t *testing.T, code ...byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.bin")
	if err := os.WriteFile(path, code, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_ExitCodes(t *testing.T) {
	quiet := []string{"-quiet", "-log-level", "panic"}
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"budget", append(quiet, "-max-steps", "10", writeProgram(t, 0xEB, 0xFE)), exitOK},
		{"fault", append(quiet, writeProgram(t, 0x40, 0xF4)), exitFault},
		{"skipped", append(quiet, "-skip-faults", "-max-steps", "5", writeProgram(t, 0xF7, 0xF1, 0xEB, 0xFE)), exitOK},
		{"timeout", append(quiet, "-max-steps", "0", "-timeout", "20ms", writeProgram(t, 0xEB, 0xFE)), exitOK},
		{"breakpoint", append(quiet, "-max-steps", "0", "-break", "0x00401003", writeProgram(t, 0x90, 0x90, 0x90, 0xF4)), exitOK},
		{"unmapped watchpoint", append(quiet, "-watch", "0x10", writeProgram(t, 0x90)), exitSetup},
		{"missing file", append(quiet, filepath.Join(t.TempDir(), "none.bin")), exitSetup},
		{"bad flag", []string{"-bogus"}, exitSetup},
		{"help", []string{"-h"}, exitOK},
	}
	for _, tc := range tests {
		if got := run(tc.args); got != tc.want {
			t.Errorf("%s: exit %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestRun_Script(t *testing.T) {
	script := filepath.Join(t.TempDir(), "stop.lua")
	if err := os.WriteFile(script, []byte(`function on_step(s) if s.steps == 3 then return "stop" end end`), 0o644); err != nil {
		t.Fatal(err)
	}
	args := []string{"-quiet", "-log-level", "panic", "-script", script, writeProgram(t, 0xEB, 0xFE)}
	if got := run(args); got != exitOK {
		t.Errorf("script stop: exit %d", got)
	}

	bad := filepath.Join(t.TempDir(), "bad.lua")
	if err := os.WriteFile(bad, []byte("x = 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	args = []string{"-quiet", "-log-level", "panic", "-script", bad, writeProgram(t, 0x90)}
	if got := run(args); got != exitSetup {
		t.Errorf("script without hooks: exit %d", got)
	}
}
