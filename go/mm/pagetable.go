package mm

import (
	"github.com/pkg/errors"

	"github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/models"
)

// Mappings are limited to the low half of the Sv39 space, which keeps them valid as
// Sv39x4 guest-physical addresses too.
const maxVA = 1 << (riscv.Sv39VABits - 1)

// The root spans four frames with 16 KiB alignment so the same table can serve as
// an Sv39x4 G-stage root.
const rootFrames = 4

// PageTable is an Sv39 table whose frames live in PhysMem.
type PageTable struct {
	phys   *PhysMem
	root   uint64
	frames []uint64
}

func NewPageTable(phys *PhysMem) (*PageTable, error) {
	root, err := phys.AllocContig(rootFrames, rootFrames*PageSize)
	if err != nil {
		return nil, errors.Wrap(err, "alloc page table root")
	}
	pt := &PageTable{phys: phys, root: root}
	for i := uint64(0); i < rootFrames; i++ {
		pt.frames = append(pt.frames, root+i*PageSize)
	}
	return pt, nil
}

func (pt *PageTable) Root() uint64 { return pt.root }

// Frames lists every physical frame holding table entries, root first.
func (pt *PageTable) Frames() []uint64 {
	return append([]uint64(nil), pt.frames...)
}

func pteFlags(flags models.MappingFlags) uint64 {
	ret := uint64(riscv.PTE_V | riscv.PTE_A | riscv.PTE_D)
	if flags&models.MAP_READ != 0 {
		ret |= riscv.PTE_R
	}
	if flags&models.MAP_WRITE != 0 {
		ret |= riscv.PTE_W
	}
	if flags&models.MAP_EXEC != 0 {
		ret |= riscv.PTE_X
	}
	if flags&models.MAP_USER != 0 {
		ret |= riscv.PTE_U
	}
	return ret
}

func mappingFlags(pte uint64) models.MappingFlags {
	var ret models.MappingFlags
	if pte&riscv.PTE_R != 0 {
		ret |= models.MAP_READ
	}
	if pte&riscv.PTE_W != 0 {
		ret |= models.MAP_WRITE
	}
	if pte&riscv.PTE_X != 0 {
		ret |= models.MAP_EXEC
	}
	if pte&riscv.PTE_U != 0 {
		ret |= models.MAP_USER
	}
	return ret
}

// walk returns the physical address of the leaf PTE slot for va, allocating
// intermediate tables when alloc is set. ok is false when an intermediate table is missing.
func (pt *PageTable) walk(va uint64, alloc bool) (slot uint64, ok bool, err error) {
	table := pt.root
	for level := riscv.Sv39Levels - 1; level > 0; level-- {
		slot = table + uint64(riscv.Sv39Index(va, level))*8
		pte, err := pt.phys.ReadUint(slot, 8)
		if err != nil {
			return 0, false, err
		}
		if pte&riscv.PTE_V == 0 {
			if !alloc {
				return 0, false, nil
			}
			next, err := pt.phys.AllocFrame()
			if err != nil {
				return 0, false, errors.Wrap(err, "alloc page table frame")
			}
			pt.frames = append(pt.frames, next)
			pte = riscv.MakePTE(next, riscv.PTE_V)
			if err := pt.phys.WriteUint(slot, 8, pte); err != nil {
				return 0, false, err
			}
		} else if riscv.PTELeaf(pte) {
			return 0, false, errors.Errorf("huge page at %#x", va)
		}
		table = riscv.PTEAddr(pte)
	}
	return table + uint64(riscv.Sv39Index(va, 0))*8, true, nil
}

func checkVA(va uint64) error {
	if va&(PageSize-1) != 0 {
		return errors.Wrapf(ErrAlign, "va %#x", va)
	}
	if va >= maxVA {
		return errors.Errorf("va %#x outside Sv39 low half", va)
	}
	return nil
}

// Map installs a 4 KiB mapping va -> pa. An existing mapping at va is never replaced.
func (pt *PageTable) Map(va, pa uint64, flags models.MappingFlags) error {
	if err := checkVA(va); err != nil {
		return err
	}
	if pa&(PageSize-1) != 0 {
		return errors.Wrapf(ErrAlign, "pa %#x", pa)
	}
	slot, _, err := pt.walk(va, true)
	if err != nil {
		return err
	}
	old, err := pt.phys.ReadUint(slot, 8)
	if err != nil {
		return err
	}
	if old&riscv.PTE_V != 0 {
		return errors.Wrapf(ErrAlreadyExists, "va %#x -> %#x", va, riscv.PTEAddr(old))
	}
	return pt.phys.WriteUint(slot, 8, riscv.MakePTE(pa, pteFlags(flags)))
}

// Unmap clears the mapping at va and returns the page it pointed to.
func (pt *PageTable) Unmap(va uint64) (uint64, error) {
	if err := checkVA(va); err != nil {
		return 0, err
	}
	slot, ok, err := pt.walk(va, false)
	if err != nil {
		return 0, err
	}
	var pte uint64
	if ok {
		pte, err = pt.phys.ReadUint(slot, 8)
		if err != nil {
			return 0, err
		}
	}
	if pte&riscv.PTE_V == 0 {
		return 0, errors.Wrapf(ErrNotMapped, "va %#x", va)
	}
	return riscv.PTEAddr(pte), pt.phys.WriteUint(slot, 8, 0)
}

// Query translates va, returning the physical address including the page offset.
func (pt *PageTable) Query(va uint64) (uint64, models.MappingFlags, uint64, error) {
	if va >= maxVA {
		return 0, 0, 0, errors.Wrapf(ErrNotMapped, "va %#x", va)
	}
	slot, ok, err := pt.walk(va&^(PageSize-1), false)
	if err != nil {
		return 0, 0, 0, err
	}
	if !ok {
		return 0, 0, 0, errors.Wrapf(ErrNotMapped, "va %#x", va)
	}
	pte, err := pt.phys.ReadUint(slot, 8)
	if err != nil {
		return 0, 0, 0, err
	}
	if pte&riscv.PTE_V == 0 {
		return 0, 0, 0, errors.Wrapf(ErrNotMapped, "va %#x", va)
	}
	return riscv.PTEAddr(pte) | va&(PageSize-1), mappingFlags(pte), PageSize, nil
}
