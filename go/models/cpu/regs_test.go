package cpu

import (
	"testing"
)

func makeRegs(bits uint) ([]int, *Regs) {
	enums := make([]int, 100)
	for i := range enums {
		enums[i] = 100 - i
	}
	return enums, NewRegs(bits, enums)
}

func BenchmarkRegsRead(b *testing.B) {
	enums, regs := makeRegs(64)
	for i := 0; i < b.N; i++ {
		regs.RegRead(enums[i%len(enums)])
	}
}

func TestRegs(t *testing.T) {
	enums, regs := makeRegs(64)
	ctx := regs.ContextSave()

	for i, e := range enums {
		if err := regs.RegWrite(e, uint64(i*2)); err != nil {
			t.Fatal(err, "initial RegWrite() failed")
		}
	}
	for i, e := range enums {
		if val, err := regs.RegRead(e); err != nil {
			t.Fatal(err, "initial RegRead() failed")
		} else if val != uint64(i*2) {
			t.Fatalf("RegRead() returned %d, expecting %d", val, i*2)
		}
	}
	if err := regs.ContextRestore(ctx); err != nil {
		t.Fatal(err, "ContextRestore() failed")
	}
	for _, e := range enums {
		if val, _ := regs.RegRead(e); val != 0 {
			t.Fatalf("register %d = %d after restore", e, val)
		}
	}
	if err := regs.ContextRestore(map[int]uint64{1000: 1}); err == nil {
		t.Fatal("restore of unknown register succeeded")
	}
}

func TestRegsInvalid(t *testing.T) {
	_, regs := makeRegs(32)
	if _, err := regs.RegRead(1000); err == nil {
		t.Error("read of invalid register succeeded")
	}
	if err := regs.RegWrite(1000, 1); err == nil {
		t.Error("write of invalid register succeeded")
	}
	regs.RegWrite(1, 0x1_2345_6789)
	if val, _ := regs.RegRead(1); val != 0x2345_6789 {
		t.Errorf("32-bit register kept high bits: %#x", val)
	}
	if enums := regs.Enums(); enums[0] != 1 || enums[len(enums)-1] != 100 {
		t.Errorf("Enums() not sorted: %v", enums[:3])
	}
}
