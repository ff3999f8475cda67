// cpu_x86_memory.go - x86 memory interface and paged flat memory
//
// The interpreter core never owns memory: every operand access and every
// instruction fetch goes through the Memory interface, and every access can
// fail. PagedMemory is the backing store used by the runner and the tests: a
// sparse flat 32-bit space built from 4KB pages with per-page permissions.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x86

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Memory is the flat 32-bit linear address space seen by the CPU.
// Multi-byte values are little-endian.
type Memory interface {
	Read8(addr uint32) (byte, error)
	Read16(addr uint32) (uint16, error)
	Read32(addr uint32) (uint32, error)
	Write8(addr uint32, value byte) error
	Write16(addr uint32, value uint16) error
	Write32(addr uint32, value uint32) error
}

// MaxInstructionLength is the architectural limit on one encoded instruction.
const MaxInstructionLength = 15

// FetchCode reads up to len(buf) bytes starting at addr and returns how many
// were read, along with the fault that stopped it early. The decoder reports
// a truncated stream only if it needed the missing bytes.
func FetchCode(mem Memory, addr uint32, buf []byte) (int, error) {
	for i := range buf {
		b, err := mem.Read8(addr + uint32(i))
		if err != nil {
			return i, err
		}
		buf[i] = b
	}
	return len(buf), nil
}

const (
	PageSize  = 0x1000
	PageShift = 12
	PageMask  = ^uint32(PageSize - 1)
)

// Perm is a page permission set.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermRW = PermRead | PermWrite
)

func (p Perm) String() string {
	s := []byte("--")
	if p&PermRead != 0 {
		s[0] = 'r'
	}
	if p&PermWrite != 0 {
		s[1] = 'w'
	}
	return string(s)
}

type memPage struct {
	data [PageSize]byte
	perm Perm
}

// ErrMemorySealed is returned by Map once the layout has been sealed.
var ErrMemorySealed = errors.New("x86: memory layout sealed")

// PagedMemory is a sparse flat address space. Unmapped addresses and accesses
// that violate page permissions fault. It is not safe for concurrent use: each
// CPU gets its own instance.
type PagedMemory struct {
	pages  map[uint32]*memPage
	sealed bool
}

// NewPagedMemory returns an empty address space with nothing mapped.
func NewPagedMemory() *PagedMemory {
	return &PagedMemory{pages: make(map[uint32]*memPage)}
}

// Map makes [base, base+size) accessible with perm, rounding out to whole
// pages. Mapping an already mapped page changes its permission and keeps its
// contents.
func (m *PagedMemory) Map(base, size uint32, perm Perm) error {
	if m.sealed {
		return ErrMemorySealed
	}
	if size == 0 {
		return fmt.Errorf("x86: map %08x: empty region", base)
	}
	end := uint64(base) + uint64(size)
	if end > 1<<32 {
		return fmt.Errorf("x86: map %08x+%x: region wraps the address space", base, size)
	}
	for p := uint64(base & PageMask); p < end; p += PageSize {
		key := uint32(p >> PageShift)
		if pg, ok := m.pages[key]; ok {
			pg.perm = perm
			continue
		}
		m.pages[key] = &memPage{perm: perm}
	}
	return nil
}

// Seal freezes the layout; later Map calls fail.
func (m *PagedMemory) Seal() {
	m.sealed = true
}

// Mapped reports whether addr lies in a mapped page.
func (m *PagedMemory) Mapped(addr uint32) bool {
	_, ok := m.pages[addr>>PageShift]
	return ok
}

// Load copies data into mapped memory ignoring permissions (host setup of
// code and read-only data).
func (m *PagedMemory) Load(addr uint32, data []byte) error {
	for i := range data {
		a := addr + uint32(i)
		pg, ok := m.pages[a>>PageShift]
		if !ok {
			return &MemoryFault{Addr: a, Size: 1, Write: true}
		}
		pg.data[a&(PageSize-1)] = data[i]
	}
	return nil
}

// Dump returns a copy of n bytes at addr ignoring permissions.
func (m *PagedMemory) Dump(addr uint32, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		a := addr + uint32(i)
		pg, ok := m.pages[a>>PageShift]
		if !ok {
			return out[:i], &MemoryFault{Addr: a, Size: 1}
		}
		out[i] = pg.data[a&(PageSize-1)]
	}
	return out, nil
}

// check validates every byte of an access before any byte is touched, so a
// faulting write leaves memory unchanged.
func (m *PagedMemory) check(addr uint32, n int, write bool) error {
	need := PermRead
	if write {
		need = PermWrite
	}
	for i := 0; i < n; i++ {
		pg, ok := m.pages[(addr+uint32(i))>>PageShift]
		if !ok || pg.perm&need == 0 {
			return &MemoryFault{Addr: addr, Size: n, Write: write}
		}
	}
	return nil
}

func (m *PagedMemory) read(addr uint32, buf []byte) error {
	if err := m.check(addr, len(buf), false); err != nil {
		return err
	}
	for i := range buf {
		a := addr + uint32(i)
		buf[i] = m.pages[a>>PageShift].data[a&(PageSize-1)]
	}
	return nil
}

func (m *PagedMemory) write(addr uint32, buf []byte) error {
	if err := m.check(addr, len(buf), true); err != nil {
		return err
	}
	for i := range buf {
		a := addr + uint32(i)
		m.pages[a>>PageShift].data[a&(PageSize-1)] = buf[i]
	}
	return nil
}

func (m *PagedMemory) Read8(addr uint32) (byte, error) {
	var b [1]byte
	err := m.read(addr, b[:])
	return b[0], err
}

func (m *PagedMemory) Read16(addr uint32) (uint16, error) {
	var b [2]byte
	if err := m.read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (m *PagedMemory) Read32(addr uint32) (uint32, error) {
	var b [4]byte
	if err := m.read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m *PagedMemory) Write8(addr uint32, value byte) error {
	return m.write(addr, []byte{value})
}

func (m *PagedMemory) Write16(addr uint32, value uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	return m.write(addr, b[:])
}

func (m *PagedMemory) Write32(addr uint32, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return m.write(addr, b[:])
}
