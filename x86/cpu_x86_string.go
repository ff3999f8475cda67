// cpu_x86_string.go - x86 string instructions and repeat prefixes
//
// Each string instruction has a single-element body. A REP/REPE/REPNE prefix
// runs that body while the count register (ECX, or CX under 0x67) is nonzero.
// Index registers move only after an element completes, so a fault in the
// middle of a repeat leaves ECX, ESI and EDI describing the work done.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x86

type stringOp uint8

const (
	strMovs stringOp = iota
	strCmps
	strStos
	strLods
	strScas
)

// compares reports whether REPE/REPNE termination applies.
func (op stringOp) compares() bool { return op == strCmps || op == strScas }

// index reads ESI or EDI, or SI/DI under 0x67.
func (c *CPU) index(in *Instruction, r byte) uint32 {
	return c.regN(r, in.AddrSize)
}

// advance moves ESI or EDI by one element in the direction given by DF.
func (c *CPU) advance(in *Instruction, r byte, size Size) {
	delta := uint32(size)
	if c.DF() {
		delta = -delta
	}
	c.setRegN(r, in.AddrSize, c.regN(r, in.AddrSize)+delta)
}

// stringElement runs one element of op.
func (c *CPU) stringElement(in *Instruction, op stringOp, size Size) error {
	switch op {
	case strMovs:
		v, err := c.read(c.index(in, ESI), size)
		if err != nil {
			return err
		}
		if err := c.write(c.index(in, EDI), size, v); err != nil {
			return err
		}
		c.advance(in, ESI, size)
		c.advance(in, EDI, size)

	case strCmps:
		a, err := c.read(c.index(in, ESI), size)
		if err != nil {
			return err
		}
		b, err := c.read(c.index(in, EDI), size)
		if err != nil {
			return err
		}
		_, f := Alu(OpCmp, size, a, b, false)
		c.setStatus(f, UpdateMask(OpCmp))
		c.advance(in, ESI, size)
		c.advance(in, EDI, size)

	case strStos:
		if err := c.write(c.index(in, EDI), size, c.regN(EAX, size)); err != nil {
			return err
		}
		c.advance(in, EDI, size)

	case strLods:
		v, err := c.read(c.index(in, ESI), size)
		if err != nil {
			return err
		}
		c.setRegN(EAX, size, v)
		c.advance(in, ESI, size)

	case strScas:
		b, err := c.read(c.index(in, EDI), size)
		if err != nil {
			return err
		}
		_, f := Alu(OpCmp, size, c.regN(EAX, size), b, false)
		c.setStatus(f, UpdateMask(OpCmp))
		c.advance(in, EDI, size)
	}
	return nil
}

// opString returns the handler for one string instruction. Without a repeat
// prefix it runs a single element. MOVS, STOS and LODS treat F2 as F3.
func opString(op stringOp) Handler {
	return func(c *CPU, in *Instruction) error {
		size := opWidth(in)
		if !in.Prefixes.Has(prefixRepeat) {
			return c.stringElement(in, op, size)
		}
		for {
			n := c.counter(in)
			if n == 0 {
				return nil
			}
			if err := c.stringElement(in, op, size); err != nil {
				return err
			}
			c.setCounter(in, n-1)
			if op.compares() {
				if in.Prefixes.Has(PrefixRep) && !c.ZF() {
					return nil
				}
				if in.Prefixes.Has(PrefixRepne) && c.ZF() {
					return nil
				}
			}
		}
	}
}
