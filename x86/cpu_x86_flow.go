// cpu_x86_flow.go - x86 condition codes and control transfer
//
// Every handler here is registered as a branch: it assigns EIP itself, using
// the address of the next instruction (Addr+Len) as the fall-through and as
// the base for relative targets.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x86

// Condition evaluates condition code cc (0-15, the low nibble of Jcc, SETcc
// and CMOVcc). Odd codes are the negation of the even code below them.
func (c *CPU) Condition(cc byte) bool {
	var r bool
	switch (cc & 0x0F) >> 1 {
	case 0: // O
		r = c.OF()
	case 1: // B / C
		r = c.CF()
	case 2: // Z / E
		r = c.ZF()
	case 3: // BE
		r = c.CF() || c.ZF()
	case 4: // S
		r = c.SF()
	case 5: // P
		r = c.PF()
	case 6: // L
		r = c.SF() != c.OF()
	case 7: // LE
		r = c.ZF() || c.SF() != c.OF()
	}
	return r != (cc&1 == 1)
}

// relTarget is the destination of a relative branch. With a 16-bit operand
// size the target wraps to 16 bits.
func relTarget(in *Instruction) uint32 {
	t := in.Next() + in.SImm()
	if in.OpSize == Size16 {
		t &= 0xFFFF
	}
	return t
}

// counter reads the loop/repeat count register: ECX, or CX under 0x67.
func (c *CPU) counter(in *Instruction) uint32 {
	return c.regN(ECX, in.AddrSize)
}

func (c *CPU) setCounter(in *Instruction, v uint32) {
	c.setRegN(ECX, in.AddrSize, v)
}

// opJcc handles 70-7F and 0F 80-8F.
func opJcc(c *CPU, in *Instruction) error {
	if c.Condition(in.Opcode & 0x0F) {
		c.EIP = relTarget(in)
	} else {
		c.EIP = in.Next()
	}
	return nil
}

func opJMPRel(c *CPU, in *Instruction) error {
	c.EIP = relTarget(in)
	return nil
}

func opCALLRel(c *CPU, in *Instruction) error {
	if err := c.push(in.OpSize, in.Next()); err != nil {
		return err
	}
	c.EIP = relTarget(in)
	return nil
}

// opCALLrm handles FF /2. The target is read before the return address is
// pushed.
func opCALLrm(c *CPU, in *Instruction) error {
	target, err := c.readRM(in, in.OpSize)
	if err != nil {
		return err
	}
	if err := c.push(in.OpSize, in.Next()); err != nil {
		return err
	}
	c.EIP = target
	return nil
}

func opJMPrm(c *CPU, in *Instruction) error {
	target, err := c.readRM(in, in.OpSize)
	if err != nil {
		return err
	}
	c.EIP = target
	return nil
}

// opRET handles C3 and C2, which also releases Imm bytes of arguments.
func opRET(c *CPU, in *Instruction) error {
	target, err := c.pop(in.OpSize)
	if err != nil {
		return err
	}
	if in.Opcode == 0xC2 {
		c.Reg[ESP] += in.Imm
	}
	c.EIP = target
	return nil
}

// opLOOP handles LOOPNE (E0), LOOPE (E1) and LOOP (E2). The count register
// is decremented without touching the flags.
func opLOOP(c *CPU, in *Instruction) error {
	n := (c.counter(in) - 1) & in.AddrSize.Mask()
	c.setCounter(in, n)
	taken := n != 0
	switch in.Opcode {
	case 0xE0:
		taken = taken && !c.ZF()
	case 0xE1:
		taken = taken && c.ZF()
	}
	if taken {
		c.EIP = relTarget(in)
	} else {
		c.EIP = in.Next()
	}
	return nil
}

func opJECXZ(c *CPU, in *Instruction) error {
	if c.counter(in) == 0 {
		c.EIP = relTarget(in)
	} else {
		c.EIP = in.Next()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Conditional data movement
// -----------------------------------------------------------------------------

func opSETcc(c *CPU, in *Instruction) error {
	var v uint32
	if c.Condition(in.Opcode & 0x0F) {
		v = 1
	}
	return c.writeRM(in, Size8, v)
}

// opCMOVcc reads its source even when the condition is false, so a bad
// memory operand faults either way.
func opCMOVcc(c *CPU, in *Instruction) error {
	v, err := c.readRM(in, in.OpSize)
	if err != nil {
		return err
	}
	if c.Condition(in.Opcode & 0x0F) {
		c.setRegN(in.Reg, in.OpSize, v)
	}
	return nil
}
