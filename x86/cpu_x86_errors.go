// cpu_x86_errors.go - x86 interpreter error taxonomy
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x86

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode matches any failure to decode an instruction.
	ErrDecode = errors.New("x86: decode error")
	// ErrUnimplementedOpcode matches opcodes outside the supported set.
	ErrUnimplementedOpcode = errors.New("x86: unimplemented opcode")
	// ErrMemoryFault matches any rejected memory access.
	ErrMemoryFault = errors.New("x86: memory fault")
	// ErrInvalidOperand matches decoded operands that make no sense for the opcode.
	ErrInvalidOperand = errors.New("x86: invalid operand")
)

// DecodeError reports a byte stream that could not be turned into an
// Instruction. Err is set when the cause is itself a typed error (an unknown
// opcode).
type DecodeError struct {
	Addr   uint32
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("x86: decode at %08x: %s: %v", e.Addr, e.Reason, e.Err)
	}
	return fmt.Sprintf("x86: decode at %08x: %s", e.Addr, e.Reason)
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
func (e *DecodeError) Unwrap() error        { return e.Err }

// OpcodeError reports an opcode (and group sub-opcode) with no handler.
type OpcodeError struct {
	Addr    uint32
	Opcode  byte
	Escaped bool
	Reg     byte
	HasReg  bool
}

func (e *OpcodeError) Error() string {
	op := fmt.Sprintf("%02x", e.Opcode)
	if e.Escaped {
		op = "0f " + op
	}
	if e.HasReg {
		op = fmt.Sprintf("%s /%d", op, e.Reg)
	}
	return fmt.Sprintf("x86: unimplemented opcode %s at %08x", op, e.Addr)
}

func (e *OpcodeError) Unwrap() error { return ErrUnimplementedOpcode }

// MemoryFault is returned by Memory implementations for rejected accesses.
type MemoryFault struct {
	Addr  uint32
	Size  int
	Write bool
}

func (e *MemoryFault) Error() string {
	kind := "read"
	if e.Write {
		kind = "write"
	}
	return fmt.Sprintf("x86: memory fault: %s of %d byte(s) at %08x", kind, e.Size, e.Addr)
}

func (e *MemoryFault) Unwrap() error { return ErrMemoryFault }

// OperandError reports an operand that is structurally present but
// architecturally invalid (LEA with a register source, divide by zero).
type OperandError struct {
	Addr     uint32
	Mnemonic string
	Reason   string
}

func (e *OperandError) Error() string {
	return fmt.Sprintf("x86: invalid operand for %s at %08x: %s", e.Mnemonic, e.Addr, e.Reason)
}

func (e *OperandError) Unwrap() error { return ErrInvalidOperand }
