package mm

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/simplehv/simplehv/go/models"
)

const (
	testBase = 0x90000000
	testSize = 1 << 20
)

func newSpace(t *testing.T) (*PhysMem, *AddrSpace) {
	phys, err := NewPhysMem(testBase, testSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { phys.Close() })
	as, err := NewAddrSpace(phys)
	if err != nil {
		t.Fatal(err)
	}
	return phys, as
}

func TestPhysAlloc(t *testing.T) {
	phys, as := newSpace(t)
	root := as.PageTableRoot()
	if root%(4*PageSize) != 0 {
		t.Fatalf("root %#x not 16K aligned", root)
	}
	pa, err := phys.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if err := phys.WriteUint(pa, 8, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	phys.FreeFrame(pa)
	again, err := phys.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if again != pa {
		t.Fatalf("free list not reused: %#x != %#x", again, pa)
	}
	if v, _ := phys.ReadUint(again, 8); v != 0 {
		t.Fatalf("reused frame not zeroed: %#x", v)
	}
	if _, err := phys.ReadUint(testBase+testSize, 8); err == nil {
		t.Fatal("read past end of ram succeeded")
	}
}

func TestPhysExhaust(t *testing.T) {
	phys, err := NewPhysMem(testBase, 4*PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer phys.Close()
	for i := 0; i < 4; i++ {
		if _, err := phys.AllocFrame(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := phys.AllocFrame(); errors.Cause(err) != ErrNoMemory {
		t.Fatalf("expected ErrNoMemory, got %v", err)
	}
}

func TestPageTable(t *testing.T) {
	phys, _ := newSpace(t)
	pt, err := NewPageTable(phys)
	if err != nil {
		t.Fatal(err)
	}
	if err := pt.Map(0x80200000, testBase+0x10000, models.MAP_READ|models.MAP_EXEC); err != nil {
		t.Fatal(err)
	}
	pa, flags, size, err := pt.Query(0x80200123)
	if err != nil {
		t.Fatal(err)
	}
	if pa != testBase+0x10123 || flags != models.MAP_READ|models.MAP_EXEC || size != PageSize {
		t.Fatalf("bad query: pa=%#x flags=%s size=%#x", pa, flags, size)
	}
	if err := pt.Map(0x80200000, testBase+0x11000, models.MAP_READ); errors.Cause(err) != ErrAlreadyExists {
		t.Fatalf("remap: %v", err)
	}
	if _, _, _, err := pt.Query(0x80201000); errors.Cause(err) != ErrNotMapped {
		t.Fatalf("query unmapped: %v", err)
	}
	if len(pt.Frames()) != 4+2 {
		t.Fatalf("expected root + 2 tables, got %d frames", len(pt.Frames()))
	}
	old, err := pt.Unmap(0x80200000)
	if err != nil || old != testBase+0x10000 {
		t.Fatalf("unmap: %#x %v", old, err)
	}
	if _, err := pt.Unmap(0x80200000); errors.Cause(err) != ErrNotMapped {
		t.Fatalf("double unmap: %v", err)
	}
	if err := pt.Map(1<<38, testBase, models.MAP_READ); err == nil {
		t.Fatal("high va accepted")
	}
}

func TestAddrSpaceReadWrite(t *testing.T) {
	_, as := newSpace(t)
	if err := as.MapAlloc(0x1000, 0x2000, models.MAP_RWXU, true); err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 0x500)
	// straddles the page boundary
	if err := as.Write(0x1800, data); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, len(data))
	if err := as.Read(0x1800, out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, out) {
		t.Fatal("read back mismatch")
	}
	if err := as.Read(0x3000, out[:1]); errors.Cause(err) != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped, got %v", err)
	}
	if err := as.MapAlloc(0x2000, 0x1000, models.MAP_READ, true); errors.Cause(err) != ErrAlreadyExists {
		t.Fatalf("overlap: %v", err)
	}
}

func TestAddrSpaceLazy(t *testing.T) {
	phys, as := newSpace(t)
	before := phys.InUse()
	if err := as.MapAlloc(0x10000, 0x4000, models.MAP_RWXU, false); err != nil {
		t.Fatal(err)
	}
	if phys.InUse() != before {
		t.Fatal("lazy map allocated frames")
	}
	if _, _, _, err := as.Query(0x12000); err == nil {
		t.Fatal("lazy page mapped before access")
	}
	if err := as.Write(0x12008, []byte{0xaa}); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := as.Query(0x12000); err != nil {
		t.Fatal(err)
	}
}

func TestAddrSpaceLinear(t *testing.T) {
	phys, as := newSpace(t)
	pa, err := phys.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if err := as.MapLinear(pa, pa, PageSize, models.MAP_RWXU); err != nil {
		t.Fatal(err)
	}
	got, _, _, err := as.Query(pa + 8)
	if err != nil || got != pa+8 {
		t.Fatalf("identity query: %#x %v", got, err)
	}
	if err := as.Write(pa, []byte("hv")); err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, 2)
	phys.Read(pa, raw)
	if string(raw) != "hv" {
		t.Fatalf("linear write missed physical page: %q", raw)
	}
	want := []*Region{{Start: pa, End: pa + PageSize, Flags: models.MAP_RWXU, Linear: true, PA: pa}}
	if diff := cmp.Diff(want, as.Regions()); diff != "" {
		t.Fatal(diff)
	}
}

func TestAddrSpaceClose(t *testing.T) {
	phys, as := newSpace(t)
	if err := as.MapAlloc(0x1000, 0x3000, models.MAP_RWXU, true); err != nil {
		t.Fatal(err)
	}
	as.Close()
	if phys.InUse() != 0 {
		t.Fatalf("%d frames leaked", phys.InUse())
	}
}

func TestMapAllocExhaustRollsBack(t *testing.T) {
	phys, err := NewPhysMem(testBase, 16*PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer phys.Close()
	as, err := NewAddrSpace(phys)
	if err != nil {
		t.Fatal(err)
	}
	if err := as.MapAlloc(0x1000, 64*PageSize, models.MAP_RWXU, true); errors.Cause(err) != ErrNoMemory {
		t.Fatalf("expected ErrNoMemory, got %v", err)
	}
	if len(as.Regions()) != 0 {
		t.Fatalf("failed map left a region: %v", as.Regions())
	}
	if _, _, _, err := as.Query(0x1000); err == nil {
		t.Fatal("failed map left a page mapped")
	}
	// every frame the failed map populated is back in the pool
	var frames []uint64
	for {
		pa, err := phys.AllocFrame()
		if err != nil {
			break
		}
		frames = append(frames, pa)
	}
	if len(frames) == 0 {
		t.Fatal("populated frames leaked")
	}
	for _, pa := range frames {
		phys.FreeFrame(pa)
	}
	if err := as.MapAlloc(0x1000, uint64(len(frames))*PageSize, models.MAP_RWXU, true); err != nil {
		t.Fatalf("reclaimed frames unusable: %v", err)
	}
}
