// cpu_x86_ops.go - x86 instruction handlers: arithmetic, moves, stack, misc
//
// Handlers are grouped into families that share one body and read their
// width and direction from the decoded instruction. Operand width follows the
// x86 "w" bit: an even opcode is the byte form, an odd one uses the
// instruction's operand size.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x86

// opWidth returns the operand width selected by the opcode's low bit.
func opWidth(in *Instruction) Size {
	if in.Opcode&1 == 0 {
		return Size8
	}
	return in.OpSize
}

func (c *CPU) operandError(in *Instruction, reason string) error {
	mnemonic := ""
	if c.Info != nil {
		mnemonic = c.Info.Mnemonic
	}
	return &OperandError{Addr: in.Addr, Mnemonic: mnemonic, Reason: reason}
}

// aluToRM applies op with the ModRM operand as destination. The result is
// stored before the flags so a faulting write leaves EFLAGS alone.
func (c *CPU) aluToRM(in *Instruction, op AluOp, size Size, a, b uint32) error {
	r, f := Alu(op, size, a, b, c.CF())
	if op.Writes() {
		if err := c.writeRM(in, size, r); err != nil {
			return err
		}
	}
	c.setStatus(f, UpdateMask(op))
	return nil
}

// aluToReg applies op with register dst as destination.
func (c *CPU) aluToReg(op AluOp, size Size, dst byte, b uint32) {
	r, f := Alu(op, size, c.regN(dst, size), b, c.CF())
	if op.Writes() {
		c.setRegN(dst, size, r)
	}
	c.setStatus(f, UpdateMask(op))
}

// -----------------------------------------------------------------------------
// Arithmetic
// -----------------------------------------------------------------------------

// opALU covers the six encodings of one ALU row (00-05, 08-0D, ... 38-3D).
func opALU(op AluOp) Handler {
	return func(c *CPU, in *Instruction) error {
		size := opWidth(in)
		switch in.Opcode & 7 {
		case 0, 1: // Eb,Gb / Ev,Gv
			a, err := c.readRM(in, size)
			if err != nil {
				return err
			}
			return c.aluToRM(in, op, size, a, c.regN(in.Reg, size))
		case 2, 3: // Gb,Eb / Gv,Ev
			b, err := c.readRM(in, size)
			if err != nil {
				return err
			}
			c.aluToReg(op, size, in.Reg, b)
		default: // AL,Ib / eAX,Iz
			c.aluToReg(op, size, EAX, in.Imm)
		}
		return nil
	}
}

func opINCr(c *CPU, in *Instruction) error {
	c.aluToReg(OpInc, in.OpSize, in.Opcode&7, 0)
	return nil
}

func opDECr(c *CPU, in *Instruction) error {
	c.aluToReg(OpDec, in.OpSize, in.Opcode&7, 0)
	return nil
}

func opTESTrm(c *CPU, in *Instruction) error {
	size := opWidth(in)
	a, err := c.readRM(in, size)
	if err != nil {
		return err
	}
	return c.aluToRM(in, OpTest, size, a, c.regN(in.Reg, size))
}

func opTESTAcc(c *CPU, in *Instruction) error {
	c.aluToReg(OpTest, opWidth(in), EAX, in.Imm)
	return nil
}

// opIMULImm handles IMUL Gv,Ev,Iz (69) and IMUL Gv,Ev,Ib (6B).
func opIMULImm(c *CPU, in *Instruction) error {
	src, err := c.readRM(in, in.OpSize)
	if err != nil {
		return err
	}
	lo, _, f := Imul(in.OpSize, src, in.SImm())
	c.setRegN(in.Reg, in.OpSize, lo)
	c.setStatus(f, FlagCF|FlagOF)
	return nil
}

// -----------------------------------------------------------------------------
// BCD adjust
// -----------------------------------------------------------------------------

func opDAA(c *CPU, in *Instruction) error {
	al := c.AL()
	oldAL, oldCF := al, c.CF()
	var f Flags
	if al&0x0F > 9 || c.AF() {
		if al > 0xF9 || oldCF {
			f |= FlagCF
		}
		al += 6
		f |= FlagAF
	}
	if oldAL > 0x99 || oldCF {
		al += 0x60
		f |= FlagCF
	} else {
		f &^= FlagCF
	}
	c.SetAL(al)
	c.setStatus(f|resultFlags(uint32(al), Size8), StatusFlags)
	return nil
}

func opDAS(c *CPU, in *Instruction) error {
	al := c.AL()
	oldAL, oldCF := al, c.CF()
	var f Flags
	if al&0x0F > 9 || c.AF() {
		if al < 6 || oldCF {
			f |= FlagCF
		}
		al -= 6
		f |= FlagAF
	}
	// The high-nibble step only ever sets CF
	if oldAL > 0x99 || oldCF {
		al -= 0x60
		f |= FlagCF
	}
	c.SetAL(al)
	c.setStatus(f|resultFlags(uint32(al), Size8), StatusFlags)
	return nil
}

func opAAA(c *CPU, in *Instruction) error {
	if c.AL()&0x0F > 9 || c.AF() {
		c.SetAX(c.AX() + 0x106)
		c.setStatus(FlagAF|FlagCF, FlagAF|FlagCF)
	} else {
		c.setStatus(0, FlagAF|FlagCF)
	}
	c.SetAL(c.AL() & 0x0F)
	return nil
}

func opAAS(c *CPU, in *Instruction) error {
	if c.AL()&0x0F > 9 || c.AF() {
		c.SetAX(c.AX() - 6)
		c.SetAH(c.AH() - 1)
		c.setStatus(FlagAF|FlagCF, FlagAF|FlagCF)
	} else {
		c.setStatus(0, FlagAF|FlagCF)
	}
	c.SetAL(c.AL() & 0x0F)
	return nil
}

func opAAM(c *CPU, in *Instruction) error {
	base := byte(in.Imm)
	if base == 0 {
		return c.operandError(in, errDivideByZero.Error())
	}
	al := c.AL()
	c.SetAH(al / base)
	c.SetAL(al % base)
	c.setStatus(resultFlags(uint32(c.AL()), Size8), FlagSF|FlagZF|FlagPF)
	return nil
}

func opAAD(c *CPU, in *Instruction) error {
	al := c.AL() + c.AH()*byte(in.Imm)
	c.SetAL(al)
	c.SetAH(0)
	c.setStatus(resultFlags(uint32(al), Size8), FlagSF|FlagZF|FlagPF)
	return nil
}

// -----------------------------------------------------------------------------
// Data movement
// -----------------------------------------------------------------------------

func opNOP(c *CPU, in *Instruction) error { return nil }

func opMOVrmReg(c *CPU, in *Instruction) error {
	size := opWidth(in)
	return c.writeRM(in, size, c.regN(in.Reg, size))
}

func opMOVRegRm(c *CPU, in *Instruction) error {
	size := opWidth(in)
	v, err := c.readRM(in, size)
	if err != nil {
		return err
	}
	c.setRegN(in.Reg, size, v)
	return nil
}

// opMOVrImm handles B0-B7 (byte) and B8-BF (word/dword).
func opMOVrImm(c *CPU, in *Instruction) error {
	size := Size8
	if in.Opcode >= 0xB8 {
		size = in.OpSize
	}
	c.setRegN(in.Opcode&7, size, in.Imm)
	return nil
}

func opMOVrmImm(c *CPU, in *Instruction) error {
	return c.writeRM(in, opWidth(in), in.Imm)
}

// opMOVMoffs handles A0-A3: the accumulator against an absolute offset.
func opMOVMoffs(c *CPU, in *Instruction) error {
	size := opWidth(in)
	if in.Opcode < 0xA2 {
		v, err := c.read(in.Imm, size)
		if err != nil {
			return err
		}
		c.setRegN(EAX, size, v)
		return nil
	}
	return c.write(in.Imm, size, c.regN(EAX, size))
}

func opMOVX(c *CPU, in *Instruction) error {
	src := Size8
	if in.Opcode&1 != 0 {
		src = Size16
	}
	v, err := c.readRM(in, src)
	if err != nil {
		return err
	}
	if in.Opcode >= 0xBE { // MOVSX
		v = signExtend(v, src)
	}
	c.setRegN(in.Reg, in.OpSize, v)
	return nil
}

func opLEA(c *CPU, in *Instruction) error {
	if !in.IsMemory() {
		return c.operandError(in, "register source")
	}
	c.setRegN(in.Reg, in.OpSize, in.EffectiveAddress(c))
	return nil
}

func opXCHGrm(c *CPU, in *Instruction) error {
	size := opWidth(in)
	a, err := c.readRM(in, size)
	if err != nil {
		return err
	}
	if err := c.writeRM(in, size, c.regN(in.Reg, size)); err != nil {
		return err
	}
	c.setRegN(in.Reg, size, a)
	return nil
}

// opXCHGAcc handles 91-97: exchange eAX with a register.
func opXCHGAcc(c *CPU, in *Instruction) error {
	r := in.Opcode & 7
	a, b := c.regN(EAX, in.OpSize), c.regN(r, in.OpSize)
	c.setRegN(EAX, in.OpSize, b)
	c.setRegN(r, in.OpSize, a)
	return nil
}

func opCBW(c *CPU, in *Instruction) error {
	if in.OpSize == Size16 {
		c.SetAX(uint16(signExtend(uint32(c.AL()), Size8)))
	} else {
		c.Reg[EAX] = signExtend(uint32(c.AX()), Size16)
	}
	return nil
}

func opCWD(c *CPU, in *Instruction) error {
	var hi uint32
	if c.regN(EAX, in.OpSize)&in.OpSize.SignBit() != 0 {
		hi = 0xFFFFFFFF
	}
	c.setRegN(EDX, in.OpSize, hi)
	return nil
}

func opXLAT(c *CPU, in *Instruction) error {
	addr := c.Reg[EBX] + uint32(c.AL())
	if in.AddrSize == Size16 {
		addr &= 0xFFFF
	}
	v, err := c.Mem.Read8(addr)
	if err != nil {
		return err
	}
	c.SetAL(v)
	return nil
}

func opSALC(c *CPU, in *Instruction) error {
	if c.CF() {
		c.SetAL(0xFF)
	} else {
		c.SetAL(0)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Flags
// -----------------------------------------------------------------------------

// opFlagOp handles CMC and the CLx/STx pairs.
func opFlagOp(c *CPU, in *Instruction) error {
	switch in.Opcode {
	case 0xF5:
		c.SetFlag(FlagCF, !c.CF())
	case 0xF8:
		c.SetFlag(FlagCF, false)
	case 0xF9:
		c.SetFlag(FlagCF, true)
	case 0xFA:
		c.SetFlag(FlagIF, false)
	case 0xFB:
		c.SetFlag(FlagIF, true)
	case 0xFC:
		c.SetFlag(FlagDF, false)
	case 0xFD:
		c.SetFlag(FlagDF, true)
	}
	return nil
}

func opLAHF(c *CPU, in *Instruction) error {
	c.SetAH(byte(c.EFlags))
	return nil
}

func opSAHF(c *CPU, in *Instruction) error {
	c.setStatus(Flags(c.AH()), FlagSF|FlagZF|FlagAF|FlagPF|FlagCF)
	return nil
}

func opPUSHF(c *CPU, in *Instruction) error {
	return c.push(in.OpSize, c.EFlags)
}

func opPOPF(c *CPU, in *Instruction) error {
	v, err := c.pop(in.OpSize)
	if err != nil {
		return err
	}
	c.EFlags = c.EFlags&^popfMask | v&popfMask
	return nil
}

// -----------------------------------------------------------------------------
// Stack
// -----------------------------------------------------------------------------

func opPUSHr(c *CPU, in *Instruction) error {
	return c.push(in.OpSize, c.regN(in.Opcode&7, in.OpSize))
}

func opPOPr(c *CPU, in *Instruction) error {
	v, err := c.pop(in.OpSize)
	if err != nil {
		return err
	}
	c.setRegN(in.Opcode&7, in.OpSize, v)
	return nil
}

func opPUSHImm(c *CPU, in *Instruction) error {
	return c.push(in.OpSize, in.SImm())
}

// opPOPrm pops into a ModRM operand. An ESP-based address is formed after
// ESP has moved; ESP is put back if the store faults.
func opPOPrm(c *CPU, in *Instruction) error {
	esp := c.Reg[ESP]
	v, err := c.pop(in.OpSize)
	if err != nil {
		return err
	}
	if err := c.writeRM(in, in.OpSize, v); err != nil {
		c.Reg[ESP] = esp
		return err
	}
	return nil
}

// opPUSHA stores EAX, ECX, EDX, EBX, the original ESP, EBP, ESI, EDI. ESP is
// only lowered once every store succeeded.
func opPUSHA(c *CPU, in *Instruction) error {
	size := in.OpSize
	top := c.Reg[ESP]
	for r := byte(EAX); r <= EDI; r++ {
		addr := top - uint32(r+1)*uint32(size)
		if err := c.write(addr, size, c.regN(r, size)); err != nil {
			return err
		}
	}
	c.Reg[ESP] = top - 8*uint32(size)
	return nil
}

// opPOPA reloads the registers stored by PUSHA, discarding the saved ESP.
func opPOPA(c *CPU, in *Instruction) error {
	size := in.OpSize
	base := c.Reg[ESP]
	var vals [8]uint32
	for r := byte(EAX); r <= EDI; r++ {
		v, err := c.read(base+uint32(7-r)*uint32(size), size)
		if err != nil {
			return err
		}
		vals[r] = v
	}
	for r := byte(EAX); r <= EDI; r++ {
		if r != ESP {
			c.setRegN(r, size, vals[r])
		}
	}
	c.Reg[ESP] = base + 8*uint32(size)
	return nil
}

// opENTER builds a stack frame of Imm bytes with Imm2 nesting levels.
func opENTER(c *CPU, in *Instruction) error {
	size := in.OpSize
	level := in.Imm2 & 0x1F

	if err := c.push(size, c.regN(EBP, size)); err != nil {
		return err
	}
	frame := c.Reg[ESP]
	if level > 0 {
		bp := c.regN(EBP, size)
		for i := uint32(1); i < level; i++ {
			bp = (bp - uint32(size)) & size.Mask()
			v, err := c.read(bp, size)
			if err != nil {
				return err
			}
			if err := c.push(size, v); err != nil {
				return err
			}
		}
		if err := c.push(size, frame); err != nil {
			return err
		}
	}
	c.setRegN(EBP, size, frame)
	c.Reg[ESP] -= in.Imm
	return nil
}

func opLEAVE(c *CPU, in *Instruction) error {
	esp := c.Reg[ESP]
	c.Reg[ESP] = c.Reg[EBP]
	v, err := c.pop(in.OpSize)
	if err != nil {
		c.Reg[ESP] = esp
		return err
	}
	c.setRegN(EBP, in.OpSize, v)
	return nil
}
