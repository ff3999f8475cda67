// cpu_x86.go - IA-32 integer interpreter core
//
// This implements the architectural state of a 32-bit x86 CPU:
// - Eight general registers with 8/16-bit views over one storage array
// - EFLAGS with the status and control bits used by integer code
// - A flat 32-bit address space reached only through the Memory interface
//
// Step decodes one instruction at EIP, looks up its handler and runs it. The
// core never loops on its own; budgets and cancellation belong to the caller.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x86

import "errors"

// General register numbers as encoded in ModRM and opcode low bits.
const (
	EAX = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

// 8-bit register numbers. 0-3 are the low bytes of EAX..EBX, 4-7 the high bytes.
const (
	AL = iota
	CL
	DL
	BL
	AH
	CH
	DH
	BH
)

var (
	Reg32Names = [8]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}
	Reg16Names = [8]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di"}
	Reg8Names  = [8]string{"al", "cl", "dl", "bl", "ah", "ch", "dh", "bh"}
)

// ResetFlags is EFLAGS after Reset: only the always-one reserved bit 1.
const ResetFlags = 0x00000002

// popfMask is the set of EFLAGS bits POPF may change.
const popfMask = uint32(StatusFlags | FlagTF | FlagIF | FlagDF)

// CPU is the architectural state of one interpreter instance. It is not safe
// for concurrent use; independent instances share nothing.
type CPU struct {
	EIP    uint32
	EFlags uint32
	Reg    [8]uint32

	Mem Memory

	// Last decoded instruction and its handler, rebuilt every step
	Instr *Instruction
	Info  *OpcodeInfo

	Steps uint64 // instructions retired
}

// State is a copy of the register file, used to save and restore a CPU.
type State struct {
	EIP    uint32
	EFlags uint32
	Reg    [8]uint32
}

// NewCPU creates a CPU in reset state bound to mem.
func NewCPU(mem Memory) *CPU {
	c := &CPU{Mem: mem}
	c.Reset()
	return c
}

// Reset clears the registers and sets EFLAGS to its reset value.
func (c *CPU) Reset() {
	c.Reg = [8]uint32{}
	c.EIP = 0
	c.EFlags = ResetFlags
	c.Instr = nil
	c.Info = nil
	c.Steps = 0
}

func (c *CPU) Snapshot() State {
	return State{EIP: c.EIP, EFlags: c.EFlags, Reg: c.Reg}
}

func (c *CPU) Restore(s State) {
	c.EIP = s.EIP
	c.EFlags = s.EFlags
	c.Reg = s.Reg
}

// -----------------------------------------------------------------------------
// Register views
// -----------------------------------------------------------------------------

func (c *CPU) Reg8(i byte) byte {
	if i < 4 {
		return byte(c.Reg[i])
	}
	return byte(c.Reg[i&3] >> 8)
}

func (c *CPU) SetReg8(i byte, v byte) {
	if i < 4 {
		c.Reg[i] = c.Reg[i]&^0xFF | uint32(v)
		return
	}
	c.Reg[i&3] = c.Reg[i&3]&^0xFF00 | uint32(v)<<8
}

func (c *CPU) Reg16(i byte) uint16 { return uint16(c.Reg[i&7]) }

func (c *CPU) SetReg16(i byte, v uint16) {
	c.Reg[i&7] = c.Reg[i&7]&^0xFFFF | uint32(v)
}

func (c *CPU) Reg32(i byte) uint32 { return c.Reg[i&7] }

func (c *CPU) SetReg32(i byte, v uint32) { c.Reg[i&7] = v }

// regN reads register i at the given width.
func (c *CPU) regN(i byte, size Size) uint32 {
	switch size {
	case Size8:
		return uint32(c.Reg8(i))
	case Size16:
		return uint32(c.Reg16(i))
	}
	return c.Reg[i&7]
}

// setRegN writes register i at the given width, leaving the other bits alone.
func (c *CPU) setRegN(i byte, size Size, v uint32) {
	switch size {
	case Size8:
		c.SetReg8(i, byte(v))
	case Size16:
		c.SetReg16(i, uint16(v))
	default:
		c.Reg[i&7] = v
	}
}

func (c *CPU) AL() byte { return c.Reg8(AL) }
func (c *CPU) SetAL(v byte) { c.SetReg8(AL, v) }
func (c *CPU) AH() byte { return c.Reg8(AH) }
func (c *CPU) SetAH(v byte) { c.SetReg8(AH, v) }
func (c *CPU) BL() byte { return c.Reg8(BL) }
func (c *CPU) SetBL(v byte) { c.SetReg8(BL, v) }
func (c *CPU) BH() byte { return c.Reg8(BH) }
func (c *CPU) SetBH(v byte) { c.SetReg8(BH, v) }
func (c *CPU) CL() byte { return c.Reg8(CL) }
func (c *CPU) SetCL(v byte) { c.SetReg8(CL, v) }
func (c *CPU) CH() byte { return c.Reg8(CH) }
func (c *CPU) SetCH(v byte) { c.SetReg8(CH, v) }
func (c *CPU) DL() byte { return c.Reg8(DL) }
func (c *CPU) SetDL(v byte) { c.SetReg8(DL, v) }
func (c *CPU) DH() byte { return c.Reg8(DH) }
func (c *CPU) SetDH(v byte) { c.SetReg8(DH, v) }
func (c *CPU) AX() uint16 { return c.Reg16(EAX) }
func (c *CPU) SetAX(v uint16) { c.SetReg16(EAX, v) }
func (c *CPU) BX() uint16 { return c.Reg16(EBX) }
func (c *CPU) SetBX(v uint16) { c.SetReg16(EBX, v) }
func (c *CPU) CX() uint16 { return c.Reg16(ECX) }
func (c *CPU) SetCX(v uint16) { c.SetReg16(ECX, v) }
func (c *CPU) DX() uint16 { return c.Reg16(EDX) }
func (c *CPU) SetDX(v uint16) { c.SetReg16(EDX, v) }
func (c *CPU) SI() uint16 { return c.Reg16(ESI) }
func (c *CPU) SetSI(v uint16) { c.SetReg16(ESI, v) }
func (c *CPU) DI() uint16 { return c.Reg16(EDI) }
func (c *CPU) SetDI(v uint16) { c.SetReg16(EDI, v) }
func (c *CPU) BP() uint16 { return c.Reg16(EBP) }
func (c *CPU) SetBP(v uint16) { c.SetReg16(EBP, v) }
func (c *CPU) SP() uint16 { return c.Reg16(ESP) }
func (c *CPU) SetSP(v uint16) { c.SetReg16(ESP, v) }

// -----------------------------------------------------------------------------
// Flags
// -----------------------------------------------------------------------------

func (c *CPU) Flag(f Flags) bool { return c.EFlags&uint32(f) != 0 }

func (c *CPU) SetFlag(f Flags, on bool) {
	if on {
		c.EFlags |= uint32(f)
	} else {
		c.EFlags &^= uint32(f)
	}
}

// setStatus merges flags into EFLAGS under mask.
func (c *CPU) setStatus(f, mask Flags) {
	c.EFlags = c.EFlags&^uint32(mask) | uint32(f&mask)
}

func (c *CPU) CF() bool { return c.Flag(FlagCF) }
func (c *CPU) PF() bool { return c.Flag(FlagPF) }
func (c *CPU) AF() bool { return c.Flag(FlagAF) }
func (c *CPU) ZF() bool { return c.Flag(FlagZF) }
func (c *CPU) SF() bool { return c.Flag(FlagSF) }
func (c *CPU) TF() bool { return c.Flag(FlagTF) }
func (c *CPU) IF() bool { return c.Flag(FlagIF) }
func (c *CPU) DF() bool { return c.Flag(FlagDF) }
func (c *CPU) OF() bool { return c.Flag(FlagOF) }

// -----------------------------------------------------------------------------
// Memory and operand access
// -----------------------------------------------------------------------------

func (c *CPU) read(addr uint32, size Size) (uint32, error) {
	switch size {
	case Size8:
		v, err := c.Mem.Read8(addr)
		return uint32(v), err
	case Size16:
		v, err := c.Mem.Read16(addr)
		return uint32(v), err
	}
	return c.Mem.Read32(addr)
}

func (c *CPU) write(addr uint32, size Size, v uint32) error {
	switch size {
	case Size8:
		return c.Mem.Write8(addr, byte(v))
	case Size16:
		return c.Mem.Write16(addr, uint16(v))
	}
	return c.Mem.Write32(addr, v)
}

// readRM reads the ModRM operand from a register or memory.
func (c *CPU) readRM(in *Instruction, size Size) (uint32, error) {
	if in.Mod == 3 {
		return c.regN(in.RM, size), nil
	}
	return c.read(in.EffectiveAddress(c), size)
}

// writeRM writes the ModRM operand to a register or memory.
func (c *CPU) writeRM(in *Instruction, size Size, v uint32) error {
	if in.Mod == 3 {
		c.setRegN(in.RM, size, v)
		return nil
	}
	return c.write(in.EffectiveAddress(c), size, v)
}

// push stores v below ESP; ESP only moves once the write succeeded.
func (c *CPU) push(size Size, v uint32) error {
	sp := c.Reg[ESP] - uint32(size)
	if err := c.write(sp, size, v); err != nil {
		return err
	}
	c.Reg[ESP] = sp
	return nil
}

func (c *CPU) pop(size Size) (uint32, error) {
	v, err := c.read(c.Reg[ESP], size)
	if err != nil {
		return 0, err
	}
	c.Reg[ESP] += uint32(size)
	return v, nil
}

// -----------------------------------------------------------------------------
// Instruction Execution
// -----------------------------------------------------------------------------

// Step executes one instruction. Decode and dispatch failures leave the CPU
// untouched. A handler failure leaves EIP on the faulting instruction along
// with whatever the handler had already changed.
func (c *CPU) Step() error {
	c.Instr, c.Info = nil, nil

	var buf [MaxInstructionLength]byte
	n, fetchErr := FetchCode(c.Mem, c.EIP, buf[:])
	in, err := Decode(buf[:n], c.EIP)
	if err != nil {
		var de *DecodeError
		if fetchErr != nil && errors.As(err, &de) && de.Err == nil {
			de.Err = fetchErr
		}
		return err
	}

	info, err := lookupInstr(in)
	if err != nil {
		return err
	}
	c.Instr, c.Info = in, info

	if err := info.Handler(c, in); err != nil {
		return err
	}
	if !info.Branch {
		c.EIP = in.Next()
	}
	c.Steps++
	return nil
}
