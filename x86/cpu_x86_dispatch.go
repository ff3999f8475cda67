// cpu_x86_dispatch.go - opcode to handler tables
//
// Two 256-entry tables cover the one-byte map and the 0x0F map. Group opcodes
// carry an 8-way table selected by the ModRM reg field. The tables are filled
// once in init and never change afterwards.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x86

import (
	"fmt"
	"sort"
)

// Handler executes one decoded instruction.
type Handler func(c *CPU, in *Instruction) error

// OpcodeInfo describes one table entry. Branch handlers assign EIP
// themselves; for all others Step advances EIP past the instruction.
type OpcodeInfo struct {
	Mnemonic string
	Handler  Handler
	Branch   bool
}

type opEntry struct {
	info  *OpcodeInfo
	group *[8]*OpcodeInfo
}

var (
	baseOps     [256]*opEntry
	extendedOps [256]*opEntry
)

// Lookup finds the handler for an opcode. reg is the ModRM reg field and only
// matters for group opcodes.
func Lookup(opcode byte, escaped bool, reg byte) (*OpcodeInfo, error) {
	tbl := &baseOps
	if escaped {
		tbl = &extendedOps
	}
	e := tbl[opcode]
	switch {
	case e == nil:
		return nil, &OpcodeError{Opcode: opcode, Escaped: escaped}
	case e.group != nil:
		if info := e.group[reg&7]; info != nil {
			return info, nil
		}
		return nil, &OpcodeError{Opcode: opcode, Escaped: escaped, Reg: reg & 7, HasReg: true}
	}
	return e.info, nil
}

// lookupInstr is Lookup with the fault address filled in.
func lookupInstr(in *Instruction) (*OpcodeInfo, error) {
	info, err := Lookup(in.Opcode, in.Escaped, in.Reg)
	if err != nil {
		if oe, ok := err.(*OpcodeError); ok {
			oe.Addr = in.Addr
		}
		return nil, err
	}
	return info, nil
}

// OpcodeDesc names one supported opcode or group member.
type OpcodeDesc struct {
	Opcode  byte
	Escaped bool
	Group   bool
	Reg     byte
	Info    *OpcodeInfo
}

func (d OpcodeDesc) String() string {
	s := fmt.Sprintf("%02x", d.Opcode)
	if d.Escaped {
		s = "0f " + s
	}
	if d.Group {
		s = fmt.Sprintf("%s /%d", s, d.Reg)
	}
	return s
}

// Opcodes lists every supported encoding, one-byte map first.
func Opcodes() []OpcodeDesc {
	var out []OpcodeDesc
	for _, escaped := range []bool{false, true} {
		tbl := &baseOps
		if escaped {
			tbl = &extendedOps
		}
		for op, e := range tbl {
			if e == nil {
				continue
			}
			if e.group == nil {
				out = append(out, OpcodeDesc{Opcode: byte(op), Escaped: escaped, Info: e.info})
				continue
			}
			for reg, info := range e.group {
				if info != nil {
					out = append(out, OpcodeDesc{Opcode: byte(op), Escaped: escaped, Group: true, Reg: byte(reg), Info: info})
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Escaped != out[j].Escaped {
			return !out[i].Escaped
		}
		if out[i].Opcode != out[j].Opcode {
			return out[i].Opcode < out[j].Opcode
		}
		return out[i].Reg < out[j].Reg
	})
	return out
}

// -----------------------------------------------------------------------------
// Table construction
// -----------------------------------------------------------------------------

func def(tbl *[256]*opEntry, op byte, mnemonic string, h Handler) {
	tbl[op] = &opEntry{info: &OpcodeInfo{Mnemonic: mnemonic, Handler: h}}
}

func defBranch(tbl *[256]*opEntry, op byte, mnemonic string, h Handler) {
	tbl[op] = &opEntry{info: &OpcodeInfo{Mnemonic: mnemonic, Handler: h, Branch: true}}
}

func defGroup(tbl *[256]*opEntry, op, reg byte, mnemonic string, h Handler, branch bool) {
	e := tbl[op]
	if e == nil {
		e = &opEntry{group: new([8]*OpcodeInfo)}
		tbl[op] = e
	}
	e.group[reg] = &OpcodeInfo{Mnemonic: mnemonic, Handler: h, Branch: branch}
}

var conditionNames = [16]string{"o", "no", "b", "nb", "z", "nz", "be", "nbe", "s", "ns", "p", "np", "l", "nl", "le", "nle"}

func init() {
	initBaseOps()
	initExtendedOps()
}

// initBaseOps fills the one-byte opcode table
func initBaseOps() {
	t := &baseOps

	// 00-3D: ADD OR ADC SBB AND SUB XOR CMP, six forms each
	for row := byte(0); row < 8; row++ {
		op := AluOp(row)
		h := opALU(op)
		for form := byte(0); form < 6; form++ {
			def(t, row<<3|form, op.String(), h)
		}
	}
	def(t, 0x27, "daa", opDAA)
	def(t, 0x2F, "das", opDAS)
	def(t, 0x37, "aaa", opAAA)
	def(t, 0x3F, "aas", opAAS)

	for r := byte(0); r < 8; r++ {
		def(t, 0x40+r, "inc", opINCr)
		def(t, 0x48+r, "dec", opDECr)
		def(t, 0x50+r, "push", opPUSHr)
		def(t, 0x58+r, "pop", opPOPr)
		def(t, 0xB0+r, "mov", opMOVrImm)
		def(t, 0xB8+r, "mov", opMOVrImm)
	}
	def(t, 0x60, "pusha", opPUSHA)
	def(t, 0x61, "popa", opPOPA)
	def(t, 0x68, "push", opPUSHImm)
	def(t, 0x69, "imul", opIMULImm)
	def(t, 0x6A, "push", opPUSHImm)
	def(t, 0x6B, "imul", opIMULImm)

	for cc := byte(0); cc < 16; cc++ {
		defBranch(t, 0x70+cc, "j"+conditionNames[cc], opJcc)
	}

	for _, op := range []byte{0x80, 0x81, 0x82, 0x83} {
		for reg := byte(0); reg < 8; reg++ {
			defGroup(t, op, reg, AluOp(reg).String(), opGrp1, false)
		}
	}
	def(t, 0x84, "test", opTESTrm)
	def(t, 0x85, "test", opTESTrm)
	def(t, 0x86, "xchg", opXCHGrm)
	def(t, 0x87, "xchg", opXCHGrm)
	def(t, 0x88, "mov", opMOVrmReg)
	def(t, 0x89, "mov", opMOVrmReg)
	def(t, 0x8A, "mov", opMOVRegRm)
	def(t, 0x8B, "mov", opMOVRegRm)
	def(t, 0x8D, "lea", opLEA)
	defGroup(t, 0x8F, 0, "pop", opPOPrm, false)

	def(t, 0x90, "nop", opNOP)
	for r := byte(1); r < 8; r++ {
		def(t, 0x90+r, "xchg", opXCHGAcc)
	}
	def(t, 0x98, "cwde", opCBW)
	def(t, 0x99, "cdq", opCWD)
	def(t, 0x9C, "pushf", opPUSHF)
	def(t, 0x9D, "popf", opPOPF)
	def(t, 0x9E, "sahf", opSAHF)
	def(t, 0x9F, "lahf", opLAHF)

	for op := byte(0xA0); op <= 0xA3; op++ {
		def(t, op, "mov", opMOVMoffs)
	}
	def(t, 0xA4, "movsb", opString(strMovs))
	def(t, 0xA5, "movs", opString(strMovs))
	def(t, 0xA6, "cmpsb", opString(strCmps))
	def(t, 0xA7, "cmps", opString(strCmps))
	def(t, 0xA8, "test", opTESTAcc)
	def(t, 0xA9, "test", opTESTAcc)
	def(t, 0xAA, "stosb", opString(strStos))
	def(t, 0xAB, "stos", opString(strStos))
	def(t, 0xAC, "lodsb", opString(strLods))
	def(t, 0xAD, "lods", opString(strLods))
	def(t, 0xAE, "scasb", opString(strScas))
	def(t, 0xAF, "scas", opString(strScas))

	for _, op := range []byte{0xC0, 0xC1, 0xD0, 0xD1, 0xD2, 0xD3} {
		for reg := byte(0); reg < 8; reg++ {
			defGroup(t, op, reg, ShiftOp(reg).String(), opGrp2, false)
		}
	}
	defBranch(t, 0xC2, "ret", opRET)
	defBranch(t, 0xC3, "ret", opRET)
	defGroup(t, 0xC6, 0, "mov", opMOVrmImm, false)
	defGroup(t, 0xC7, 0, "mov", opMOVrmImm, false)
	def(t, 0xC8, "enter", opENTER)
	def(t, 0xC9, "leave", opLEAVE)

	def(t, 0xD4, "aam", opAAM)
	def(t, 0xD5, "aad", opAAD)
	def(t, 0xD6, "salc", opSALC)
	def(t, 0xD7, "xlat", opXLAT)

	defBranch(t, 0xE0, "loopne", opLOOP)
	defBranch(t, 0xE1, "loope", opLOOP)
	defBranch(t, 0xE2, "loop", opLOOP)
	defBranch(t, 0xE3, "jecxz", opJECXZ)
	defBranch(t, 0xE8, "call", opCALLRel)
	defBranch(t, 0xE9, "jmp", opJMPRel)
	defBranch(t, 0xEB, "jmp", opJMPRel)

	def(t, 0xF5, "cmc", opFlagOp)
	grp3 := [8]string{"test", "test", "not", "neg", "mul", "imul", "div", "idiv"}
	for _, op := range []byte{0xF6, 0xF7} {
		for reg := byte(0); reg < 8; reg++ {
			defGroup(t, op, reg, grp3[reg], opGrp3, false)
		}
	}
	def(t, 0xF8, "clc", opFlagOp)
	def(t, 0xF9, "stc", opFlagOp)
	def(t, 0xFA, "cli", opFlagOp)
	def(t, 0xFB, "sti", opFlagOp)
	def(t, 0xFC, "cld", opFlagOp)
	def(t, 0xFD, "std", opFlagOp)

	defGroup(t, 0xFE, 0, "inc", opIncDecRM, false)
	defGroup(t, 0xFE, 1, "dec", opIncDecRM, false)
	defGroup(t, 0xFF, 0, "inc", opIncDecRM, false)
	defGroup(t, 0xFF, 1, "dec", opIncDecRM, false)
	defGroup(t, 0xFF, 2, "call", opCALLrm, true)
	defGroup(t, 0xFF, 4, "jmp", opJMPrm, true)
	defGroup(t, 0xFF, 6, "push", opPUSHrm, false)
}

// initExtendedOps fills the 0x0F opcode table
func initExtendedOps() {
	t := &extendedOps

	for cc := byte(0); cc < 16; cc++ {
		def(t, 0x40+cc, "cmov"+conditionNames[cc], opCMOVcc)
		defBranch(t, 0x80+cc, "j"+conditionNames[cc], opJcc)
		def(t, 0x90+cc, "set"+conditionNames[cc], opSETcc)
	}

	def(t, 0xA3, "bt", opBitReg)
	def(t, 0xAB, "bts", opBitReg)
	def(t, 0xB3, "btr", opBitReg)
	def(t, 0xBB, "btc", opBitReg)
	defGroup(t, 0xBA, 4, "bt", opBitImm, false)
	defGroup(t, 0xBA, 5, "bts", opBitImm, false)
	defGroup(t, 0xBA, 6, "btr", opBitImm, false)
	defGroup(t, 0xBA, 7, "btc", opBitImm, false)

	def(t, 0xA4, "shld", opShiftDouble)
	def(t, 0xA5, "shld", opShiftDouble)
	def(t, 0xAC, "shrd", opShiftDouble)
	def(t, 0xAD, "shrd", opShiftDouble)
	def(t, 0xAF, "imul", opIMULRegRm)

	def(t, 0xB0, "cmpxchg", opCMPXCHG)
	def(t, 0xB1, "cmpxchg", opCMPXCHG)
	def(t, 0xB6, "movzx", opMOVX)
	def(t, 0xB7, "movzx", opMOVX)
	def(t, 0xBE, "movsx", opMOVX)
	def(t, 0xBF, "movsx", opMOVX)
	def(t, 0xBC, "bsf", opBSF)
	def(t, 0xBD, "bsr", opBSR)
	def(t, 0xC0, "xadd", opXADD)
	def(t, 0xC1, "xadd", opXADD)
	for r := byte(0); r < 8; r++ {
		def(t, 0xC8+r, "bswap", opBSWAP)
	}
}
