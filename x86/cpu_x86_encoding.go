// cpu_x86_encoding.go - per-opcode encoding shapes for the decoder
//
// The decoder only needs to know, for each opcode byte, whether a ModRM byte
// follows and what kind of immediate trails the instruction. That knowledge
// lives here, separately from the handler tables, so decoding never depends
// on execution.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x86

// immKind describes the immediate field of an encoding.
type immKind uint8

const (
	immNone  immKind = iota
	immB             // 8-bit
	immW             // 16-bit
	immZ             // 16 or 32-bit by operand size
	immMoffs         // 16 or 32-bit by address size
	immEnter         // 16-bit frame size + 8-bit nesting level
)

type encoding struct {
	valid bool
	modrm bool
	imm   immKind
}

var (
	baseEncoding     [256]encoding
	extendedEncoding [256]encoding
)

func setEnc(tbl *[256]encoding, lo, hi byte, modrm bool, imm immKind) {
	for op := int(lo); op <= int(hi); op++ {
		tbl[op] = encoding{valid: true, modrm: modrm, imm: imm}
	}
}

func init() {
	b := &baseEncoding

	// 00-3F: eight ALU rows of six forms each, plus the BCD adjusts
	for row := byte(0); row < 8; row++ {
		op := row << 3
		setEnc(b, op, op+3, true, immNone)
		setEnc(b, op+4, op+4, false, immB)
		setEnc(b, op+5, op+5, false, immZ)
	}
	setEnc(b, 0x27, 0x27, false, immNone) // DAA
	setEnc(b, 0x2F, 0x2F, false, immNone) // DAS
	setEnc(b, 0x37, 0x37, false, immNone) // AAA
	setEnc(b, 0x3F, 0x3F, false, immNone) // AAS

	setEnc(b, 0x40, 0x61, false, immNone) // INC/DEC/PUSH/POP r, PUSHA/POPA
	setEnc(b, 0x68, 0x68, false, immZ)
	setEnc(b, 0x69, 0x69, true, immZ)
	setEnc(b, 0x6A, 0x6A, false, immB)
	setEnc(b, 0x6B, 0x6B, true, immB)
	setEnc(b, 0x70, 0x7F, false, immB) // Jcc rel8

	setEnc(b, 0x80, 0x80, true, immB)
	setEnc(b, 0x81, 0x81, true, immZ)
	setEnc(b, 0x82, 0x83, true, immB)
	setEnc(b, 0x84, 0x8B, true, immNone)
	setEnc(b, 0x8D, 0x8D, true, immNone)
	setEnc(b, 0x8F, 0x8F, true, immNone)

	setEnc(b, 0x90, 0x99, false, immNone)
	setEnc(b, 0x9C, 0x9F, false, immNone)
	setEnc(b, 0xA0, 0xA3, false, immMoffs)
	setEnc(b, 0xA4, 0xA7, false, immNone)
	setEnc(b, 0xA8, 0xA8, false, immB)
	setEnc(b, 0xA9, 0xA9, false, immZ)
	setEnc(b, 0xAA, 0xAF, false, immNone)
	setEnc(b, 0xB0, 0xB7, false, immB)
	setEnc(b, 0xB8, 0xBF, false, immZ)

	setEnc(b, 0xC0, 0xC1, true, immB)
	setEnc(b, 0xC2, 0xC2, false, immW)
	setEnc(b, 0xC3, 0xC3, false, immNone)
	setEnc(b, 0xC6, 0xC6, true, immB)
	setEnc(b, 0xC7, 0xC7, true, immZ)
	setEnc(b, 0xC8, 0xC8, false, immEnter)
	setEnc(b, 0xC9, 0xC9, false, immNone)

	setEnc(b, 0xD0, 0xD3, true, immNone)
	setEnc(b, 0xD4, 0xD5, false, immB)
	setEnc(b, 0xD6, 0xD7, false, immNone)

	setEnc(b, 0xE0, 0xE3, false, immB) // LOOPcc, JECXZ
	setEnc(b, 0xE8, 0xE9, false, immZ)
	setEnc(b, 0xEB, 0xEB, false, immB)

	setEnc(b, 0xF5, 0xF5, false, immNone)
	setEnc(b, 0xF6, 0xF7, true, immNone) // immediate depends on ModRM reg
	setEnc(b, 0xF8, 0xFD, false, immNone)
	setEnc(b, 0xFE, 0xFF, true, immNone)

	x := &extendedEncoding
	setEnc(x, 0x40, 0x4F, true, immNone) // CMOVcc
	setEnc(x, 0x80, 0x8F, false, immZ)   // Jcc rel16/32
	setEnc(x, 0x90, 0x9F, true, immNone) // SETcc
	setEnc(x, 0xA3, 0xA3, true, immNone)
	setEnc(x, 0xA4, 0xA4, true, immB)
	setEnc(x, 0xA5, 0xA5, true, immNone)
	setEnc(x, 0xAB, 0xAB, true, immNone)
	setEnc(x, 0xAC, 0xAC, true, immB)
	setEnc(x, 0xAD, 0xAD, true, immNone)
	setEnc(x, 0xAF, 0xAF, true, immNone)
	setEnc(x, 0xB0, 0xB1, true, immNone)
	setEnc(x, 0xB3, 0xB3, true, immNone)
	setEnc(x, 0xB6, 0xB7, true, immNone)
	setEnc(x, 0xBA, 0xBA, true, immB)
	setEnc(x, 0xBB, 0xBF, true, immNone)
	setEnc(x, 0xC0, 0xC1, true, immNone)
	setEnc(x, 0xC8, 0xCF, false, immNone) // BSWAP
}

func lookupEncoding(op byte, escaped bool) encoding {
	if escaped {
		return extendedEncoding[op]
	}
	return baseEncoding[op]
}
