// cpu_x86_decode.go - x86 instruction decoder
//
// Decode turns the bytes at one instruction boundary into an Instruction
// record: legacy prefixes, the opcode (with the 0x0F escape), ModRM, SIB,
// displacement and immediates. Nothing here touches CPU state; the effective
// address of a memory operand is resolved later against the registers.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x86

import (
	"fmt"
	"strings"
)

// Prefix is the set of legacy prefixes seen before an opcode.
type Prefix uint16

const (
	PrefixAdSize Prefix = 1 << iota // 0x67
	PrefixOpSize                    // 0x66
	PrefixLock                      // 0xF0
	PrefixCS                        // 0x2E
	PrefixDS                        // 0x3E
	PrefixES                        // 0x26
	PrefixFS                        // 0x64
	PrefixGS                        // 0x65
	PrefixSS                        // 0x36
	PrefixRepne                     // 0xF2
	PrefixRep                       // 0xF3

	prefixSegments = PrefixCS | PrefixDS | PrefixES | PrefixFS | PrefixGS | PrefixSS
	prefixRepeat   = PrefixRepne | PrefixRep
)

var prefixNames = [...]string{"adsize", "opsize", "lock", "cs", "ds", "es", "fs", "gs", "ss", "repne", "rep"}

func (p Prefix) Has(q Prefix) bool { return p&q != 0 }

func (p Prefix) String() string {
	var names []string
	for i, name := range prefixNames {
		if p&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// prefixOf classifies a byte as a legacy prefix.
func prefixOf(b byte) (Prefix, bool) {
	switch b {
	case 0x26:
		return PrefixES, true
	case 0x2E:
		return PrefixCS, true
	case 0x36:
		return PrefixSS, true
	case 0x3E:
		return PrefixDS, true
	case 0x64:
		return PrefixFS, true
	case 0x65:
		return PrefixGS, true
	case 0x66:
		return PrefixOpSize, true
	case 0x67:
		return PrefixAdSize, true
	case 0xF0:
		return PrefixLock, true
	case 0xF2:
		return PrefixRepne, true
	case 0xF3:
		return PrefixRep, true
	}
	return 0, false
}

// Instruction is one decoded instruction. It is built fresh for every step
// and owns its Bytes.
type Instruction struct {
	Addr     uint32
	Len      int
	Prefixes Prefix
	Opcode   byte
	Escaped  bool // 0x0F two-byte opcode

	HasModRM     bool
	ModRM        byte
	Mod, Reg, RM byte

	HasSIB             bool
	SIB                byte
	Scale, Index, Base byte

	DispSize int   // 0, 1, 2 or 4
	Disp     int32 // sign-extended

	ImmSize  int
	Imm      uint32 // zero-extended
	Imm2Size int    // ENTER nesting level
	Imm2     uint32

	OpSize   Size // Size32, or Size16 under 0x66
	AddrSize Size // Size32, or Size16 under 0x67

	Bytes []byte
}

// Next is the address of the following instruction.
func (in *Instruction) Next() uint32 { return in.Addr + uint32(in.Len) }

// IsMemory reports whether the ModRM operand addresses memory.
func (in *Instruction) IsMemory() bool { return in.HasModRM && in.Mod != 3 }

// SImm returns the immediate sign-extended from its encoded width.
func (in *Instruction) SImm() uint32 {
	switch in.ImmSize {
	case 1:
		return signExtend(in.Imm, Size8)
	case 2:
		return signExtend(in.Imm, Size16)
	}
	return in.Imm
}

func (in *Instruction) String() string {
	return fmt.Sprintf("%08x: % x", in.Addr, in.Bytes)
}

// EffectiveAddress resolves the ModRM memory operand against the registers.
// Segment overrides are recorded in Prefixes but the model is flat.
func (in *Instruction) EffectiveAddress(c *CPU) uint32 {
	if in.AddrSize == Size16 {
		return in.effectiveAddress16(c)
	}

	var addr uint32
	switch {
	case in.HasSIB:
		if !(in.Base == 5 && in.Mod == 0) {
			addr = c.Reg[in.Base]
		}
		if in.Index != 4 { // 4 = no index
			addr += c.Reg[in.Index] << in.Scale
		}
	case in.RM == 5 && in.Mod == 0:
		// disp32 only
	default:
		addr = c.Reg[in.RM]
	}
	return addr + uint32(in.Disp)
}

func (in *Instruction) effectiveAddress16(c *CPU) uint32 {
	var base uint16
	switch in.RM {
	case 0: // [BX+SI]
		base = c.BX() + c.SI()
	case 1: // [BX+DI]
		base = c.BX() + c.DI()
	case 2: // [BP+SI]
		base = c.BP() + c.SI()
	case 3: // [BP+DI]
		base = c.BP() + c.DI()
	case 4: // [SI]
		base = c.SI()
	case 5: // [DI]
		base = c.DI()
	case 6: // [BP] or [disp16]
		if in.Mod != 0 {
			base = c.BP()
		}
	case 7: // [BX]
		base = c.BX()
	}
	return uint32(base + uint16(in.Disp))
}

// -----------------------------------------------------------------------------
// Decoder
// -----------------------------------------------------------------------------

type decoder struct {
	code []byte
	pos  int
	addr uint32
}

func (d *decoder) next(field string) (byte, error) {
	if d.pos >= MaxInstructionLength {
		return 0, &DecodeError{Addr: d.addr, Reason: "instruction too long"}
	}
	if d.pos >= len(d.code) {
		return 0, &DecodeError{Addr: d.addr, Reason: "truncated " + field}
	}
	b := d.code[d.pos]
	d.pos++
	return b, nil
}

// le reads an n-byte little-endian field.
func (d *decoder) le(n int, field string) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		b, err := d.next(field)
		if err != nil {
			return 0, err
		}
		v |= uint32(b) << (8 * i)
	}
	return v, nil
}

// Decode decodes one instruction from code, whose first byte sits at linear
// address addr. Unknown opcodes fail with a DecodeError that also matches
// ErrUnimplementedOpcode.
func Decode(code []byte, addr uint32) (*Instruction, error) {
	d := &decoder{code: code, addr: addr}
	in := &Instruction{Addr: addr, OpSize: Size32, AddrSize: Size32}

	var op byte
	for {
		b, err := d.next("opcode")
		if err != nil {
			return nil, err
		}
		p, ok := prefixOf(b)
		if !ok {
			op = b
			break
		}
		// Last segment override and last repeat prefix win
		if p&prefixSegments != 0 {
			in.Prefixes &^= prefixSegments
		}
		if p&prefixRepeat != 0 {
			in.Prefixes &^= prefixRepeat
		}
		in.Prefixes |= p
	}

	if op == 0x0F {
		in.Escaped = true
		b, err := d.next("opcode")
		if err != nil {
			return nil, err
		}
		op = b
	}
	in.Opcode = op

	enc := lookupEncoding(op, in.Escaped)
	if !enc.valid {
		return nil, &DecodeError{
			Addr:   addr,
			Reason: "unknown opcode",
			Err:    &OpcodeError{Addr: addr, Opcode: op, Escaped: in.Escaped},
		}
	}

	if in.Prefixes.Has(PrefixOpSize) {
		in.OpSize = Size16
	}
	if in.Prefixes.Has(PrefixAdSize) {
		in.AddrSize = Size16
	}

	if enc.modrm {
		if err := d.modrm(in); err != nil {
			return nil, err
		}
	}

	imm := enc.imm
	if !in.Escaped && in.Reg <= 1 {
		switch op {
		case 0xF6: // TEST Eb,Ib
			imm = immB
		case 0xF7: // TEST Ev,Iz
			imm = immZ
		}
	}
	if err := d.immediate(in, imm); err != nil {
		return nil, err
	}

	in.Len = d.pos
	in.Bytes = append([]byte(nil), code[:d.pos]...)
	return in, nil
}

func (d *decoder) modrm(in *Instruction) error {
	m, err := d.next("modrm")
	if err != nil {
		return err
	}
	in.HasModRM = true
	in.ModRM = m
	in.Mod = m >> 6
	in.Reg = (m >> 3) & 7
	in.RM = m & 7
	if in.Mod == 3 {
		return nil
	}

	if in.AddrSize == Size16 {
		switch {
		case in.Mod == 0 && in.RM == 6:
			in.DispSize = 2
		case in.Mod == 1:
			in.DispSize = 1
		case in.Mod == 2:
			in.DispSize = 2
		}
	} else {
		if in.RM == 4 {
			s, err := d.next("sib")
			if err != nil {
				return err
			}
			in.HasSIB = true
			in.SIB = s
			in.Scale = s >> 6
			in.Index = (s >> 3) & 7
			in.Base = s & 7
			if in.Base == 5 && in.Mod == 0 {
				in.DispSize = 4
			}
		}
		switch {
		case in.Mod == 0 && in.RM == 5:
			in.DispSize = 4
		case in.Mod == 1:
			in.DispSize = 1
		case in.Mod == 2:
			in.DispSize = 4
		}
	}

	if in.DispSize == 0 {
		return nil
	}
	v, err := d.le(in.DispSize, "displacement")
	if err != nil {
		return err
	}
	switch in.DispSize {
	case 1:
		in.Disp = int32(int8(v))
	case 2:
		in.Disp = int32(int16(v))
	default:
		in.Disp = int32(v)
	}
	return nil
}

func (d *decoder) immediate(in *Instruction, kind immKind) error {
	switch kind {
	case immNone:
		return nil
	case immB:
		in.ImmSize = 1
	case immW:
		in.ImmSize = 2
	case immZ:
		in.ImmSize = int(in.OpSize)
	case immMoffs:
		in.ImmSize = int(in.AddrSize)
	case immEnter:
		in.ImmSize = 2
		in.Imm2Size = 1
	}
	v, err := d.le(in.ImmSize, "immediate")
	if err != nil {
		return err
	}
	in.Imm = v
	if in.Imm2Size > 0 {
		v, err := d.le(in.Imm2Size, "immediate")
		if err != nil {
			return err
		}
		in.Imm2 = v
	}
	return nil
}
