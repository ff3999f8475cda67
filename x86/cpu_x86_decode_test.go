// cpu_x86_decode_test.go - instruction decoder tests
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x86

import (
	"bytes"
	"errors"
	"testing"
)

// fieldLength recomputes an instruction's length from its decoded parts.
func fieldLength(in *Instruction, code []byte) int {
	n := 0
	for _, b := range code {
		if _, ok := prefixOf(b); !ok {
			break
		}
		n++
	}
	n++ // opcode
	if in.Escaped {
		n++
	}
	if in.HasModRM {
		n++
	}
	if in.HasSIB {
		n++
	}
	return n + in.DispSize + in.ImmSize + in.Imm2Size
}

func TestDecode_Lengths(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		len  int
	}{
		{"nop", []byte{0x90}, 1},
		{"add eax,ebx", []byte{0x01, 0xD8}, 2},
		{"mov eax,[esp]", []byte{0x8B, 0x04, 0x24}, 3},
		{"mov eax,[disp32]", []byte{0x8B, 0x05, 0x78, 0x56, 0x34, 0x12}, 6},
		{"mov eax,[eax*4+disp32]", []byte{0x8B, 0x04, 0x85, 0x00, 0x10, 0x00, 0x00}, 7},
		{"mov eax,[esp-4]", []byte{0x8B, 0x44, 0x24, 0xFC}, 4},
		{"mov eax,[eax+disp32]", []byte{0x8B, 0x80, 0x00, 0x01, 0x00, 0x00}, 6},
		{"add ecx,imm32", []byte{0x81, 0xC1, 0x78, 0x56, 0x34, 0x12}, 6},
		{"add cx,imm16", []byte{0x66, 0x81, 0xC1, 0x34, 0x12}, 5},
		{"add ecx,imm8", []byte{0x83, 0xC1, 0xFF}, 3},
		{"mov eax,[bx]", []byte{0x67, 0x8B, 0x07}, 3},
		{"mov eax,[bp+disp8]", []byte{0x67, 0x8B, 0x46, 0x10}, 4},
		{"mov eax,[disp16]", []byte{0x67, 0x8B, 0x06, 0x34, 0x12}, 5},
		{"mov eax,[bx+si+disp16]", []byte{0x67, 0x8B, 0x80, 0x34, 0x12}, 5},
		{"imul eax,ecx", []byte{0x0F, 0xAF, 0xC1}, 3},
		{"jz rel32", []byte{0x0F, 0x84, 0x00, 0x00, 0x00, 0x00}, 6},
		{"jz rel16", []byte{0x66, 0x0F, 0x84, 0x00, 0x00}, 5},
		{"enter", []byte{0xC8, 0x10, 0x00, 0x01}, 4},
		{"mov eax,moffs32", []byte{0xA1, 0x00, 0x10, 0x00, 0x00}, 5},
		{"mov eax,moffs16", []byte{0x67, 0xA1, 0x00, 0x10}, 4},
		{"test al,imm8", []byte{0xF6, 0xC0, 0x01}, 3},
		{"not al", []byte{0xF6, 0xD0}, 2},
		{"test eax,imm32", []byte{0xF7, 0xC0, 0x01, 0x00, 0x00, 0x00}, 6},
		{"neg eax", []byte{0xF7, 0xD8}, 2},
		{"imul eax,eax,imm8", []byte{0x6B, 0xC0, 0x10}, 3},
		{"imul eax,eax,imm32", []byte{0x69, 0xC0, 0x10, 0x00, 0x00, 0x00}, 6},
		{"rep movsd", []byte{0xF3, 0xA5}, 2},
		{"ret imm16", []byte{0xC2, 0x08, 0x00}, 3},
		{"bt eax,imm8", []byte{0x0F, 0xBA, 0xE0, 0x05}, 4},
		{"shld eax,edx,imm8", []byte{0x0F, 0xA4, 0xD0, 0x08}, 4},
		{"bswap", []byte{0x0F, 0xC8}, 2},
		{"lock cmpxchg [ebx],ecx", []byte{0xF0, 0x0F, 0xB1, 0x0B}, 4},
	}
	for _, tc := range tests {
		// Trailing bytes must not be consumed
		code := append(append([]byte(nil), tc.code...), 0xCC, 0xCC)
		in, err := Decode(code, 0x1000)
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if in.Len != tc.len {
			t.Errorf("%s: Len got %d, want %d", tc.name, in.Len, tc.len)
		}
		if got := fieldLength(in, code); got != in.Len {
			t.Errorf("%s: field sum %d != Len %d", tc.name, got, in.Len)
		}
		if !bytes.Equal(in.Bytes, tc.code) {
			t.Errorf("%s: Bytes got % x, want % x", tc.name, in.Bytes, tc.code)
		}
		if in.Next() != 0x1000+uint32(tc.len) {
			t.Errorf("%s: Next got 0x%X", tc.name, in.Next())
		}
	}
}

func TestDecode_Fields(t *testing.T) {
	in, err := Decode([]byte{0x8B, 0x44, 0x8B, 0xFC}, 0) // mov eax,[ebx+ecx*4-4]
	if err != nil {
		t.Fatal(err)
	}
	if in.Mod != 1 || in.Reg != 0 || in.RM != 4 {
		t.Errorf("ModRM: mod=%d reg=%d rm=%d", in.Mod, in.Reg, in.RM)
	}
	if !in.HasSIB || in.Scale != 2 || in.Index != ECX || in.Base != EBX {
		t.Errorf("SIB: scale=%d index=%d base=%d", in.Scale, in.Index, in.Base)
	}
	if in.Disp != -4 || in.DispSize != 1 {
		t.Errorf("Disp: got %d (size %d), want -4", in.Disp, in.DispSize)
	}

	in, err = Decode([]byte{0xC8, 0x34, 0x12, 0x03}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if in.Imm != 0x1234 || in.Imm2 != 3 || in.ImmSize != 2 || in.Imm2Size != 1 {
		t.Errorf("enter: Imm=0x%X Imm2=%d sizes %d/%d", in.Imm, in.Imm2, in.ImmSize, in.Imm2Size)
	}

	in, err = Decode([]byte{0x83, 0xC1, 0xFF}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if in.Imm != 0xFF || in.SImm() != 0xFFFFFFFF {
		t.Errorf("imm8: Imm=0x%X SImm=0x%X", in.Imm, in.SImm())
	}
	if in.IsMemory() {
		t.Error("mod 3 operand reported as memory")
	}
}

func TestDecode_Prefixes(t *testing.T) {
	in, err := Decode([]byte{0x2E, 0x3E, 0x26, 0x8B, 0x00}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if in.Prefixes&prefixSegments != PrefixES {
		t.Errorf("segments: got %s, want es", in.Prefixes)
	}

	in, err = Decode([]byte{0xF2, 0xF3, 0xA6}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if in.Prefixes != PrefixRep {
		t.Errorf("repeat: got %s, want rep", in.Prefixes)
	}

	in, err = Decode([]byte{0xF3, 0xF2, 0x66, 0x67, 0xF0, 0xA7}, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := PrefixRepne | PrefixOpSize | PrefixAdSize | PrefixLock
	if in.Prefixes != want {
		t.Errorf("mixed: got %s, want %s", in.Prefixes, want)
	}
	if in.OpSize != Size16 || in.AddrSize != Size16 {
		t.Errorf("sizes: op %s addr %s", in.OpSize, in.AddrSize)
	}
	if s := (PrefixRep | PrefixOpSize).String(); s != "opsize|rep" {
		t.Errorf("Prefix.String: got %q", s)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name   string
		code   []byte
		reason string
	}{
		{"empty", nil, "truncated opcode"},
		{"prefix only", []byte{0x66}, "truncated opcode"},
		{"escape only", []byte{0x0F}, "truncated opcode"},
		{"modrm", []byte{0x8B}, "truncated modrm"},
		{"sib", []byte{0x8B, 0x04}, "truncated sib"},
		{"displacement", []byte{0x8B, 0x80, 0x00, 0x01}, "truncated displacement"},
		{"immediate", []byte{0x81, 0xC1, 0x78, 0x56}, "truncated immediate"},
		{"enter level", []byte{0xC8, 0x10, 0x00}, "truncated immediate"},
		{"unknown", []byte{0xF4}, "unknown opcode"},
	}
	for _, tc := range tests {
		_, err := Decode(tc.code, 0x2000)
		if !errors.Is(err, ErrDecode) {
			t.Errorf("%s: got %v, want ErrDecode", tc.name, err)
			continue
		}
		var de *DecodeError
		if !errors.As(err, &de) || de.Reason != tc.reason || de.Addr != 0x2000 {
			t.Errorf("%s: got %+v, want reason %q", tc.name, de, tc.reason)
		}
	}
}

func TestDecode_UnknownOpcode(t *testing.T) {
	for _, code := range [][]byte{{0xF4}, {0x0F, 0x0B}, {0x66, 0x62, 0x00}} {
		_, err := Decode(code, 0x3000)
		if !errors.Is(err, ErrUnimplementedOpcode) {
			t.Errorf("% x: got %v, want ErrUnimplementedOpcode", code, err)
			continue
		}
		var oe *OpcodeError
		if !errors.As(err, &oe) || oe.Addr != 0x3000 || oe.Escaped != (code[0] == 0x0F) {
			t.Errorf("% x: OpcodeError %+v", code, oe)
		}
	}
}

func TestDecode_TooLong(t *testing.T) {
	code := append(bytes.Repeat([]byte{0x66}, 14), 0x90)
	in, err := Decode(code, 0)
	if err != nil || in.Len != MaxInstructionLength {
		t.Fatalf("14 prefixes + nop: len=%v err=%v", in, err)
	}

	code = append(bytes.Repeat([]byte{0x66}, 15), 0x90)
	var de *DecodeError
	if _, err := Decode(code, 0); !errors.As(err, &de) || de.Reason != "instruction too long" {
		t.Errorf("15 prefixes + nop: got %v", err)
	}

	// 66 81 /0 iw is 5 bytes; 11 more prefixes reach 16
	code = append(bytes.Repeat([]byte{0x3E}, 11), 0x66, 0x81, 0xC0, 0x34, 0x12)
	if _, err := Decode(code, 0); !errors.As(err, &de) || de.Reason != "instruction too long" {
		t.Errorf("16-byte add: got %v", err)
	}
}

func TestDecode_EffectiveAddress(t *testing.T) {
	cpu := NewCPU(NewPagedMemory())
	cpu.Reg[EAX] = 3
	cpu.Reg[EBX] = 0x100
	cpu.Reg[ECX] = 2
	cpu.Reg[ESP] = 0x8000
	cpu.Reg[EBP] = 0x9000

	tests := []struct {
		name string
		code []byte
		want uint32
	}{
		{"[eax*4+0x1000]", []byte{0x8B, 0x04, 0x85, 0x00, 0x10, 0x00, 0x00}, 0x100C},
		{"[esp-4]", []byte{0x8B, 0x44, 0x24, 0xFC}, 0x7FFC},
		{"[ebx+ecx*8+0x10]", []byte{0x8B, 0x44, 0xCB, 0x10}, 0x120},
		{"[ebp] needs disp8", []byte{0x8B, 0x45, 0x00}, 0x9000},
		{"[disp32]", []byte{0x8B, 0x05, 0x44, 0x33, 0x22, 0x11}, 0x11223344},
		{"[ebx-0x200] wraps", []byte{0x8B, 0x83, 0x00, 0xFE, 0xFF, 0xFF}, 0xFFFFFF00},
		{"16: [bx+si]", []byte{0x67, 0x8B, 0x00}, 0x100},
		{"16: [bp+di+8]", []byte{0x67, 0x8B, 0x43, 0x08}, 0x9008},
		{"16: [disp16]", []byte{0x67, 0x8B, 0x06, 0xCD, 0xAB}, 0xABCD},
	}
	for _, tc := range tests {
		in, err := Decode(tc.code, 0)
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if got := in.EffectiveAddress(cpu); got != tc.want {
			t.Errorf("%s: got 0x%08X, want 0x%08X", tc.name, got, tc.want)
		}
	}

	// 16-bit sums wrap within 64K
	cpu.Reg[EBX], cpu.Reg[ESI] = 0xFFFF, 2
	in, _ := Decode([]byte{0x67, 0x8B, 0x00}, 0)
	if got := in.EffectiveAddress(cpu); got != 0x0001 {
		t.Errorf("16: [bx+si] wrap: got 0x%08X, want 0x00000001", got)
	}
}

func TestDecode_DoesNotMutateInput(t *testing.T) {
	code := []byte{0x8B, 0x44, 0x24, 0xFC}
	in, err := Decode(code, 0)
	if err != nil {
		t.Fatal(err)
	}
	in.Bytes[0] = 0
	if code[0] != 0x8B {
		t.Error("Instruction.Bytes aliases the input slice")
	}
}
