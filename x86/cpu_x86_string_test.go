// cpu_x86_string_test.go - string instruction and repeat prefix tests
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x86

import (
	"bytes"
	"errors"
	"testing"
)

func TestString_RepZeroCount(t *testing.T) {
	for _, code := range [][]byte{{0xF3, 0xAE}, {0xF2, 0xAE}, {0xF3, 0xA5}, {0xF3, 0xAA}} {
		cpu, _ := newTestCPU(t, code...)
		cpu.Reg[EDI] = testDataBase
		cpu.Reg[ESI] = testDataBase + 0x100
		cpu.EFlags = ResetFlags | uint32(FlagCF|FlagZF)
		before := cpu.Snapshot()

		mustStep(t, cpu, 1)
		after := cpu.Snapshot()
		if after.EIP != before.EIP+2 {
			t.Errorf("% x: EIP got 0x%08X, want 0x%08X", code, after.EIP, before.EIP+2)
		}
		after.EIP = before.EIP
		if after != before {
			t.Errorf("% x with ECX=0 changed state: %+v", code, after)
		}
	}
}

func TestString_RepneScasFindsTerminator(t *testing.T) {
	cpu, mem := newTestCPU(t, 0xF2, 0xAE)
	if err := mem.Load(testDataBase, []byte("abcd\x00efg")); err != nil {
		t.Fatal(err)
	}
	cpu.Reg[EDI] = testDataBase
	cpu.Reg[ECX] = 0x10
	mustStep(t, cpu, 1)

	if cpu.Reg[EDI] != testDataBase+5 {
		t.Errorf("EDI: got 0x%08X, want 0x%08X", cpu.Reg[EDI], testDataBase+5)
	}
	if cpu.Reg[ECX] != 0x0B {
		t.Errorf("ECX: got 0x%X, want 0xB", cpu.Reg[ECX])
	}
	if !cpu.ZF() {
		t.Error("ZF should be set on match")
	}
}

func TestString_RepeCmpsStopsOnMismatch(t *testing.T) {
	cpu, mem := newTestCPU(t, 0xF3, 0xA6)
	if err := mem.Load(testDataBase, []byte("abcX")); err != nil {
		t.Fatal(err)
	}
	if err := mem.Load(testDataBase+0x100, []byte("abcY")); err != nil {
		t.Fatal(err)
	}
	cpu.Reg[ESI] = testDataBase
	cpu.Reg[EDI] = testDataBase + 0x100
	cpu.Reg[ECX] = 10
	mustStep(t, cpu, 1)

	if cpu.Reg[ECX] != 6 || cpu.Reg[ESI] != testDataBase+4 || cpu.Reg[EDI] != testDataBase+0x104 {
		t.Errorf("ECX=%d ESI=0x%08X EDI=0x%08X", cpu.Reg[ECX], cpu.Reg[ESI], cpu.Reg[EDI])
	}
	if cpu.ZF() || !cpu.CF() {
		t.Errorf("'X'-'Y': ZF=%v CF=%v, want false true", cpu.ZF(), cpu.CF())
	}
}

func TestString_RepMovsBackward(t *testing.T) {
	cpu, mem := newTestCPU(t, 0xFD, 0xF3, 0xA5) // std / rep movsd
	src := []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}
	if err := mem.Load(testDataBase, src); err != nil {
		t.Fatal(err)
	}
	cpu.Reg[ESI] = testDataBase + 8
	cpu.Reg[EDI] = testDataBase + 0x108
	cpu.Reg[ECX] = 3
	mustStep(t, cpu, 2)

	got, _ := mem.Dump(testDataBase+0x100, 12)
	if !bytes.Equal(got, src) {
		t.Errorf("copy: got % x, want % x", got, src)
	}
	if cpu.Reg[ESI] != testDataBase-4 || cpu.Reg[EDI] != testDataBase+0xFC || cpu.Reg[ECX] != 0 {
		t.Errorf("ESI=0x%08X EDI=0x%08X ECX=%d", cpu.Reg[ESI], cpu.Reg[EDI], cpu.Reg[ECX])
	}
}

func TestString_RepneOnMovsActsAsRep(t *testing.T) {
	cpu, mem := newTestCPU(t, 0xF2, 0xA4)
	if err := mem.Load(testDataBase, []byte{0xAA, 0xBB, 0xCC}); err != nil {
		t.Fatal(err)
	}
	cpu.Reg[ESI] = testDataBase
	cpu.Reg[EDI] = testDataBase + 0x10
	cpu.Reg[ECX] = 2
	cpu.EFlags = ResetFlags | uint32(FlagZF)
	mustStep(t, cpu, 1)

	got, _ := mem.Dump(testDataBase+0x10, 3)
	if !bytes.Equal(got, []byte{0xAA, 0xBB, 0x00}) {
		t.Errorf("copy: got % x", got)
	}
	if cpu.Reg[ECX] != 0 {
		t.Errorf("ECX: got %d, want 0", cpu.Reg[ECX])
	}
}

func TestString_FaultMidRepeat(t *testing.T) {
	cpu, mem := newTestCPU(t, 0xF3, 0xAB) // rep stosd
	cpu.Reg[EAX] = 0x11223344
	cpu.Reg[EDI] = testDataBase + PageSize - 8
	cpu.Reg[ECX] = 4

	err := cpu.Step()
	if !errors.Is(err, ErrMemoryFault) {
		t.Fatalf("got %v, want ErrMemoryFault", err)
	}
	if cpu.Reg[ECX] != 2 || cpu.Reg[EDI] != testDataBase+PageSize {
		t.Errorf("ECX=%d EDI=0x%08X, want 2 0x%08X", cpu.Reg[ECX], cpu.Reg[EDI], testDataBase+PageSize)
	}
	if cpu.EIP != testCodeBase {
		t.Errorf("EIP: got 0x%08X, want the faulting instruction", cpu.EIP)
	}
	if v := read32(t, mem, testDataBase+PageSize-4); v != 0x11223344 {
		t.Errorf("last completed element: got 0x%08X", v)
	}
	if cpu.Steps != 0 {
		t.Errorf("Steps: got %d, want 0", cpu.Steps)
	}
}

func TestString_SingleElement(t *testing.T) {
	// lodsb / stosw / scasd without a repeat prefix
	cpu, mem := newTestCPU(t, 0xAC, 0x66, 0xAB, 0xAF)
	if err := mem.Load(testDataBase, []byte{0x5A, 0, 0, 0, 0x78, 0x56, 0x34, 0x12}); err != nil {
		t.Fatal(err)
	}
	cpu.Reg[ESI] = testDataBase
	cpu.Reg[EDI] = testDataBase + 0x20
	cpu.Reg[ECX] = 7
	cpu.Reg[EAX] = 0xABCD0000

	mustStep(t, cpu, 1)
	if cpu.Reg[EAX] != 0xABCD005A || cpu.Reg[ESI] != testDataBase+1 {
		t.Errorf("lodsb: EAX=0x%08X ESI=0x%08X", cpu.Reg[EAX], cpu.Reg[ESI])
	}
	mustStep(t, cpu, 1)
	if v, _ := mem.Read16(testDataBase + 0x20); v != 0x005A || cpu.Reg[EDI] != testDataBase+0x22 {
		t.Errorf("stosw: [edi]=0x%04X EDI=0x%08X", v, cpu.Reg[EDI])
	}
	cpu.Reg[EDI] = testDataBase + 4
	cpu.Reg[EAX] = 0x12345678
	mustStep(t, cpu, 1)
	if !cpu.ZF() || cpu.Reg[EDI] != testDataBase+8 {
		t.Errorf("scasd: ZF=%v EDI=0x%08X", cpu.ZF(), cpu.Reg[EDI])
	}
	if cpu.Reg[ECX] != 7 {
		t.Errorf("ECX changed without a repeat prefix: %d", cpu.Reg[ECX])
	}
}

func TestString_AddressSize16(t *testing.T) {
	cpu, mem := newTestCPU(t, 0x67, 0xF3, 0xAA) // rep stosb, CX/DI
	if err := mem.Map(0, PageSize, PermRW); err != nil {
		t.Fatal(err)
	}
	cpu.Reg[EDI] = 0x12340010
	cpu.Reg[ECX] = 0xFFFF0002
	cpu.SetAL(0x99)
	mustStep(t, cpu, 1)

	got, _ := mem.Dump(0x10, 3)
	if !bytes.Equal(got, []byte{0x99, 0x99, 0x00}) {
		t.Errorf("stored: got % x", got)
	}
	if cpu.Reg[ECX] != 0xFFFF0000 || cpu.Reg[EDI] != 0x12340012 {
		t.Errorf("ECX=0x%08X EDI=0x%08X", cpu.Reg[ECX], cpu.Reg[EDI])
	}
}
