// cpu_x86_grp.go - x86 group opcodes and 386/486 register extensions
//
// Groups 1-5 and 8 select their operation from the ModRM reg field. The rest
// of this file holds the 0x0F extensions that work on one ModRM operand:
// IMUL Gv,Ev, the BT family, SHLD/SHRD, BSF/BSR, XADD, CMPXCHG and BSWAP.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x86

import "math/bits"

// opGrp1 handles 80/81/82/83: ALU op selected by reg against an immediate.
// 83 sign-extends its 8-bit immediate to the operand size.
func opGrp1(c *CPU, in *Instruction) error {
	size := opWidth(in)
	a, err := c.readRM(in, size)
	if err != nil {
		return err
	}
	return c.aluToRM(in, AluOp(in.Reg), size, a, in.SImm())
}

// opGrp2 handles the shift/rotate group. The count is 1 (D0/D1), CL (D2/D3)
// or an immediate byte (C0/C1).
func opGrp2(c *CPU, in *Instruction) error {
	size := opWidth(in)
	var count byte
	switch in.Opcode {
	case 0xD0, 0xD1:
		count = 1
	case 0xD2, 0xD3:
		count = c.CL()
	default:
		count = byte(in.Imm)
	}

	v, err := c.readRM(in, size)
	if err != nil {
		return err
	}
	r, f, mask := Shift(ShiftOp(in.Reg), size, v, count, c.CF())
	if mask == 0 {
		return nil
	}
	if err := c.writeRM(in, size, r); err != nil {
		return err
	}
	c.setStatus(f, mask)
	return nil
}

// accumulators returns the high and low halves used by MUL/DIV at size:
// AH:AL, DX:AX or EDX:EAX.
func (c *CPU) accumulators(size Size) (hi, lo uint32) {
	if size == Size8 {
		return uint32(c.AH()), uint32(c.AL())
	}
	return c.regN(EDX, size), c.regN(EAX, size)
}

func (c *CPU) setAccumulators(size Size, hi, lo uint32) {
	if size == Size8 {
		c.SetAH(byte(hi))
		c.SetAL(byte(lo))
		return
	}
	c.setRegN(EDX, size, hi)
	c.setRegN(EAX, size, lo)
}

// opGrp3 handles F6/F7: TEST NOT NEG MUL IMUL DIV IDIV.
func opGrp3(c *CPU, in *Instruction) error {
	size := opWidth(in)
	v, err := c.readRM(in, size)
	if err != nil {
		return err
	}

	switch in.Reg {
	case 0, 1: // TEST
		return c.aluToRM(in, OpTest, size, v, in.Imm)
	case 2: // NOT
		return c.writeRM(in, size, ^v)
	case 3: // NEG
		r, f := Alu(OpNeg, size, 0, v, false)
		if err := c.writeRM(in, size, r); err != nil {
			return err
		}
		c.setStatus(f, UpdateMask(OpNeg))
	case 4, 5: // MUL, IMUL
		_, a := c.accumulators(size)
		mul := Mul
		if in.Reg == 5 {
			mul = Imul
		}
		lo, hi, f := mul(size, a, v)
		c.setAccumulators(size, hi, lo)
		c.setStatus(f, FlagCF|FlagOF)
	case 6, 7: // DIV, IDIV
		hi, lo := c.accumulators(size)
		div := Div
		if in.Reg == 7 {
			div = Idiv
		}
		q, r, err := div(size, hi, lo, v)
		if err != nil {
			return c.operandError(in, err.Error())
		}
		c.setAccumulators(size, r, q)
	}
	return nil
}

// opIncDecRM handles FE/FF /0 and /1. CF is preserved.
func opIncDecRM(c *CPU, in *Instruction) error {
	size := opWidth(in)
	v, err := c.readRM(in, size)
	if err != nil {
		return err
	}
	op := OpInc
	if in.Reg == 1 {
		op = OpDec
	}
	return c.aluToRM(in, op, size, v, 0)
}

func opPUSHrm(c *CPU, in *Instruction) error {
	v, err := c.readRM(in, in.OpSize)
	if err != nil {
		return err
	}
	return c.push(in.OpSize, v)
}

func opIMULRegRm(c *CPU, in *Instruction) error {
	src, err := c.readRM(in, in.OpSize)
	if err != nil {
		return err
	}
	lo, _, f := Imul(in.OpSize, c.regN(in.Reg, in.OpSize), src)
	c.setRegN(in.Reg, in.OpSize, lo)
	c.setStatus(f, FlagCF|FlagOF)
	return nil
}

// -----------------------------------------------------------------------------
// Bit test family
// -----------------------------------------------------------------------------

// bitOp kinds: 0 BT, 1 BTS, 2 BTR, 3 BTC.
func (c *CPU) bitOp(in *Instruction, kind byte, offset uint32, regOffset bool) error {
	size := in.OpSize
	width := uint32(size.Bits())

	var v, addr uint32
	if in.IsMemory() {
		addr = in.EffectiveAddress(c)
		// A register offset may reach outside the addressed operand
		if regOffset {
			addr += uint32((signedValue(offset, size) >> log2Bits(size)) * int64(size))
		}
		var err error
		if v, err = c.read(addr, size); err != nil {
			return err
		}
	} else {
		v = c.regN(in.RM, size)
	}

	bit := uint32(1) << (offset & (width - 1))
	c.SetFlag(FlagCF, v&bit != 0)

	switch kind {
	case 0:
		return nil
	case 1:
		v |= bit
	case 2:
		v &^= bit
	case 3:
		v ^= bit
	}
	if in.IsMemory() {
		return c.write(addr, size, v)
	}
	c.setRegN(in.RM, size, v)
	return nil
}

// log2Bits is log2 of the operand width in bits.
func log2Bits(size Size) uint {
	if size == Size16 {
		return 4
	}
	return 5
}

// opBitReg handles BT/BTS/BTR/BTC Ev,Gv (0F A3/AB/B3/BB).
func opBitReg(c *CPU, in *Instruction) error {
	kind := (in.Opcode >> 3) & 3
	return c.bitOp(in, kind, c.regN(in.Reg, in.OpSize), true)
}

// opBitImm handles group 8 (0F BA /4-/7).
func opBitImm(c *CPU, in *Instruction) error {
	return c.bitOp(in, in.Reg-4, in.Imm, false)
}

// -----------------------------------------------------------------------------
// Scans, swaps and double shifts
// -----------------------------------------------------------------------------

func opBSF(c *CPU, in *Instruction) error {
	v, err := c.readRM(in, in.OpSize)
	if err != nil {
		return err
	}
	if v == 0 {
		c.SetFlag(FlagZF, true)
		return nil
	}
	c.SetFlag(FlagZF, false)
	c.setRegN(in.Reg, in.OpSize, uint32(bits.TrailingZeros32(v)))
	return nil
}

func opBSR(c *CPU, in *Instruction) error {
	v, err := c.readRM(in, in.OpSize)
	if err != nil {
		return err
	}
	if v == 0 {
		c.SetFlag(FlagZF, true)
		return nil
	}
	c.SetFlag(FlagZF, false)
	c.setRegN(in.Reg, in.OpSize, uint32(31-bits.LeadingZeros32(v)))
	return nil
}

func opBSWAP(c *CPU, in *Instruction) error {
	r := in.Opcode & 7
	c.Reg[r] = bits.ReverseBytes32(c.Reg[r])
	return nil
}

// opShiftDouble handles SHLD (0F A4/A5) and SHRD (0F AC/AD). The count is an
// immediate byte or CL.
func opShiftDouble(c *CPU, in *Instruction) error {
	count := c.CL()
	if in.Opcode&1 == 0 {
		count = byte(in.Imm)
	}
	dst, err := c.readRM(in, in.OpSize)
	if err != nil {
		return err
	}
	r, f, mask := ShiftDouble(in.Opcode < 0xA8, in.OpSize, dst, c.regN(in.Reg, in.OpSize), count)
	if mask == 0 {
		return nil
	}
	if err := c.writeRM(in, in.OpSize, r); err != nil {
		return err
	}
	c.setStatus(f, mask)
	return nil
}

// opXADD exchanges the operands and stores their sum in the destination.
func opXADD(c *CPU, in *Instruction) error {
	size := opWidth(in)
	dst, err := c.readRM(in, size)
	if err != nil {
		return err
	}
	r, f := Alu(OpAdd, size, dst, c.regN(in.Reg, size), false)
	if in.IsMemory() {
		if err := c.writeRM(in, size, r); err != nil {
			return err
		}
		c.setRegN(in.Reg, size, dst)
	} else {
		c.setRegN(in.Reg, size, dst)
		c.setRegN(in.RM, size, r)
	}
	c.setStatus(f, UpdateMask(OpAdd))
	return nil
}

// opCMPXCHG compares the accumulator with the destination. Equal stores the
// source; otherwise the destination is loaded into the accumulator. The
// destination is written back in both cases.
func opCMPXCHG(c *CPU, in *Instruction) error {
	size := opWidth(in)
	dst, err := c.readRM(in, size)
	if err != nil {
		return err
	}
	acc := c.regN(EAX, size)
	_, f := Alu(OpCmp, size, acc, dst, false)
	if acc == dst {
		if err := c.writeRM(in, size, c.regN(in.Reg, size)); err != nil {
			return err
		}
	} else {
		if err := c.writeRM(in, size, dst); err != nil {
			return err
		}
		c.setRegN(EAX, size, dst)
	}
	c.setStatus(f, UpdateMask(OpCmp))
	return nil
}
