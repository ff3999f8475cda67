// cpu_x86_alu.go - x86 flag and arithmetic engine
//
// Every arithmetic result is checked against the representable range of its
// operand width twice: once with the operands read as signed values (OF) and
// once read as unsigned values (CF). The exact result is formed in int64, so
// the same test covers 8, 16 and 32-bit operations and every operation kind.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x86

import (
	"errors"
	"math/bits"
)

// Size is an operand width in bytes.
type Size uint8

const (
	Size8  Size = 1
	Size16 Size = 2
	Size32 Size = 4
)

func (s Size) Bits() uint { return uint(s) * 8 }

func (s Size) Mask() uint32 {
	switch s {
	case Size8:
		return 0xFF
	case Size16:
		return 0xFFFF
	}
	return 0xFFFFFFFF
}

func (s Size) SignBit() uint32 { return 1 << (s.Bits() - 1) }

func (s Size) String() string {
	switch s {
	case Size8:
		return "byte"
	case Size16:
		return "word"
	case Size32:
		return "dword"
	}
	return "size?"
}

// Flags holds EFLAGS bits.
type Flags uint32

const (
	FlagCF Flags = 1 << 0  // Carry
	FlagPF Flags = 1 << 2  // Parity
	FlagAF Flags = 1 << 4  // Auxiliary carry
	FlagZF Flags = 1 << 6  // Zero
	FlagSF Flags = 1 << 7  // Sign
	FlagTF Flags = 1 << 8  // Trap
	FlagIF Flags = 1 << 9  // Interrupt enable
	FlagDF Flags = 1 << 10 // Direction
	FlagOF Flags = 1 << 11 // Overflow

	StatusFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
)

// domainBounds is indexed by operand byte width, then signed (0) or
// unsigned (1), then minimum (0) or maximum (1). Read-only.
var domainBounds = [5][2][2]int64{
	1: {{-128, 127}, {0, 255}},
	2: {{-32768, 32767}, {0, 65535}},
	4: {{-2147483648, 2147483647}, {0, 4294967295}},
}

// AluOp selects a two-operand arithmetic or logical operation. The first
// eight values follow the ModRM reg field of the group 1 opcodes.
type AluOp uint8

const (
	OpAdd AluOp = iota
	OpOr
	OpAdc
	OpSbb
	OpAnd
	OpSub
	OpXor
	OpCmp
	OpInc
	OpDec
	OpNeg
	OpTest
)

var aluOpNames = [...]string{"add", "or", "adc", "sbb", "and", "sub", "xor", "cmp", "inc", "dec", "neg", "test"}

func (op AluOp) String() string {
	if int(op) < len(aluOpNames) {
		return aluOpNames[op]
	}
	return "alu?"
}

// Writes reports whether the operation stores its result (CMP and TEST only
// produce flags).
func (op AluOp) Writes() bool { return op != OpCmp && op != OpTest }

func (op AluOp) logical() bool {
	return op == OpAnd || op == OpOr || op == OpXor || op == OpTest
}

// UpdateMask returns the status flags an operation defines. INC and DEC keep
// CF.
func UpdateMask(op AluOp) Flags {
	if op == OpInc || op == OpDec {
		return StatusFlags &^ FlagCF
	}
	return StatusFlags
}

// signedValue reads the low size bytes of v as a two's complement number.
func signedValue(v uint32, size Size) int64 {
	switch size {
	case Size8:
		return int64(int8(v))
	case Size16:
		return int64(int16(v))
	}
	return int64(int32(v))
}

// signExtend widens the low `from` bytes of v to 32 bits.
func signExtend(v uint32, from Size) uint32 {
	return uint32(signedValue(v, from))
}

// parity reports whether v has an even number of set bits.
func parity(v byte) bool {
	return bits.OnesCount8(v)%2 == 0
}

// resultFlags computes ZF, SF and PF for a truncated result.
func resultFlags(r uint32, size Size) Flags {
	var f Flags
	if r == 0 {
		f |= FlagZF
	}
	if r&size.SignBit() != 0 {
		f |= FlagSF
	}
	if parity(byte(r)) {
		f |= FlagPF
	}
	return f
}

// overflowFlags applies the dual-domain boundary check to the exact signed
// and unsigned results of an operation whose truncated result is r.
func overflowFlags(sExact, uExact int64, r uint32, size Size) Flags {
	var f Flags
	sb := domainBounds[size][0]
	if sExact < sb[0] || sExact > sb[1] || sExact != signedValue(r, size) {
		f |= FlagOF
	}
	ub := domainBounds[size][1]
	if uExact < ub[0] || uExact > ub[1] || uExact != int64(r) {
		f |= FlagCF
	}
	return f
}

// Alu performs op on a and b at the given width. carry is the incoming CF,
// used by ADC and SBB. INC and DEC ignore b, NEG computes 0-b. The returned
// flags are only meaningful under UpdateMask(op).
func Alu(op AluOp, size Size, a, b uint32, carry bool) (uint32, Flags) {
	mask := size.Mask()
	a &= mask
	b &= mask

	var c int64
	if carry && (op == OpAdc || op == OpSbb) {
		c = 1
	}

	if op.logical() {
		var r uint32
		switch op {
		case OpAnd, OpTest:
			r = a & b
		case OpOr:
			r = a | b
		case OpXor:
			r = a ^ b
		}
		return r, resultFlags(r, size)
	}

	switch op {
	case OpInc, OpDec:
		b = 1
	case OpNeg:
		a = 0
	}

	sa, sb := signedValue(a, size), signedValue(b, size)
	ua, ub := int64(a), int64(b)

	var sExact, uExact int64
	switch op {
	case OpAdd, OpAdc, OpInc:
		sExact = sa + sb + c
		uExact = ua + ub + c
	default: // OpSub, OpSbb, OpCmp, OpDec, OpNeg
		sExact = sa - sb - c
		uExact = ua - ub - c
	}

	r := uint32(uExact) & mask
	f := resultFlags(r, size) | overflowFlags(sExact, uExact, r, size)
	if (a^b^r)&0x10 != 0 {
		f |= FlagAF
	}
	return r, f
}

// ShiftOp selects a group 2 operation, numbered as the ModRM reg field.
type ShiftOp uint8

const (
	ShiftROL ShiftOp = iota
	ShiftROR
	ShiftRCL
	ShiftRCR
	ShiftSHL
	ShiftSHR
	ShiftSAL
	ShiftSAR
)

var shiftOpNames = [...]string{"rol", "ror", "rcl", "rcr", "shl", "shr", "sal", "sar"}

func (op ShiftOp) String() string { return shiftOpNames[op&7] }

// Shift applies a group 2 operation. It returns the result, the new flag
// values and the mask of flags the operation wrote. A count that masks to
// zero changes nothing.
func Shift(op ShiftOp, size Size, v uint32, count byte, carry bool) (uint32, Flags, Flags) {
	count &= 0x1F
	mask := size.Mask()
	v &= mask
	if count == 0 {
		return v, 0, 0
	}
	n := uint(count)
	width := size.Bits()
	msb := func(x uint32) bool { return x&size.SignBit() != 0 }

	var r uint32
	var f Flags
	switch op {
	case ShiftROL:
		k := n % width
		r = (v<<k | v>>(width-k)) & mask
		if r&1 != 0 {
			f |= FlagCF
		}
		if msb(r) != (f&FlagCF != 0) {
			f |= FlagOF
		}
		return r, f, FlagCF | FlagOF

	case ShiftROR:
		k := n % width
		r = (v>>k | v<<(width-k)) & mask
		if msb(r) {
			f |= FlagCF
		}
		if msb(r) != (r&(size.SignBit()>>1) != 0) {
			f |= FlagOF
		}
		return r, f, FlagCF | FlagOF

	case ShiftRCL, ShiftRCR:
		k := n % (width + 1)
		x := uint64(v)
		if carry {
			x |= 1 << width
		}
		all := uint64(1)<<(width+1) - 1
		if op == ShiftRCL {
			x = (x<<k | x>>(width+1-k)) & all
		} else {
			x = (x>>k | x<<(width+1-k)) & all
		}
		r = uint32(x) & mask
		cf := x>>width&1 != 0
		if cf {
			f |= FlagCF
		}
		if op == ShiftRCL {
			if msb(r) != cf {
				f |= FlagOF
			}
		} else if msb(r) != (r&(size.SignBit()>>1) != 0) {
			f |= FlagOF
		}
		return r, f, FlagCF | FlagOF

	case ShiftSHL, ShiftSAL:
		x := uint64(v) << n
		r = uint32(x) & mask
		if x>>width&1 != 0 {
			f |= FlagCF
		}
		if msb(r) != (f&FlagCF != 0) {
			f |= FlagOF
		}

	case ShiftSHR:
		r = uint32(uint64(v) >> n)
		if uint64(v)>>(n-1)&1 != 0 {
			f |= FlagCF
		}
		if msb(v) {
			f |= FlagOF
		}

	case ShiftSAR:
		sv := signedValue(v, size)
		r = uint32(sv>>n) & mask
		if sv>>(n-1)&1 != 0 {
			f |= FlagCF
		}
	}
	f |= resultFlags(r, size)
	return r, f, FlagCF | FlagOF | FlagSF | FlagZF | FlagPF
}

// ShiftDouble implements SHLD (left) and SHRD: dst is shifted by count with
// the vacated bits filled from src.
func ShiftDouble(left bool, size Size, dst, src uint32, count byte) (uint32, Flags, Flags) {
	count &= 0x1F
	mask := size.Mask()
	dst &= mask
	src &= mask
	if count == 0 {
		return dst, 0, 0
	}
	n := uint(count)
	width := size.Bits()

	var r uint32
	var f Flags
	if left {
		x := uint64(dst)<<width | uint64(src)
		r = uint32((x<<n)>>width) & mask
		if n <= width && uint64(dst)>>(width-n)&1 != 0 {
			f |= FlagCF
		}
	} else {
		x := uint64(src)<<width | uint64(dst)
		r = uint32(x>>n) & mask
		if x>>(n-1)&1 != 0 {
			f |= FlagCF
		}
	}
	if (r^dst)&size.SignBit() != 0 {
		f |= FlagOF
	}
	f |= resultFlags(r, size)
	return r, f, FlagCF | FlagOF | FlagSF | FlagZF | FlagPF
}

// Mul is the unsigned widening multiply of group 3. CF and OF are set when
// the high half is significant.
func Mul(size Size, a, b uint32) (lo, hi uint32, f Flags) {
	full := uint64(a&size.Mask()) * uint64(b&size.Mask())
	lo = uint32(full) & size.Mask()
	hi = uint32(full>>size.Bits()) & size.Mask()
	if hi != 0 {
		f = FlagCF | FlagOF
	}
	return lo, hi, f
}

// Imul is the signed widening multiply. CF and OF are set when the product
// does not fit in the low half.
func Imul(size Size, a, b uint32) (lo, hi uint32, f Flags) {
	full := signedValue(a, size) * signedValue(b, size)
	lo = uint32(full) & size.Mask()
	hi = uint32(uint64(full)>>size.Bits()) & size.Mask()
	if full != signedValue(lo, size) {
		f = FlagCF | FlagOF
	}
	return lo, hi, f
}

var (
	errDivideByZero     = errors.New("divide by zero")
	errQuotientOverflow = errors.New("quotient overflow")
)

// Div divides the double-width value hi:lo by divisor.
func Div(size Size, hi, lo, divisor uint32) (q, r uint32, err error) {
	divisor &= size.Mask()
	if divisor == 0 {
		return 0, 0, errDivideByZero
	}
	dividend := uint64(hi&size.Mask())<<size.Bits() | uint64(lo&size.Mask())
	quot := dividend / uint64(divisor)
	if quot > uint64(size.Mask()) {
		return 0, 0, errQuotientOverflow
	}
	return uint32(quot), uint32(dividend % uint64(divisor)), nil
}

// Idiv is the signed form of Div. The quotient truncates toward zero and the
// remainder takes the sign of the dividend.
func Idiv(size Size, hi, lo, divisor uint32) (q, r uint32, err error) {
	d := signedValue(divisor, size)
	if d == 0 {
		return 0, 0, errDivideByZero
	}
	raw := uint64(hi&size.Mask())<<size.Bits() | uint64(lo&size.Mask())
	var dividend int64
	switch size {
	case Size8:
		dividend = int64(int16(raw))
	case Size16:
		dividend = int64(int32(raw))
	default:
		dividend = int64(raw)
	}
	quot := dividend / d
	b := domainBounds[size][0]
	if quot < b[0] || quot > b[1] || (dividend == -1<<63 && d == -1) {
		return 0, 0, errQuotientOverflow
	}
	return uint32(quot) & size.Mask(), uint32(dividend%d) & size.Mask(), nil
}
