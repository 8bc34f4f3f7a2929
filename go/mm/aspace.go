package mm

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/simplehv/simplehv/go/models"
)

// Region is one contiguous area created by MapAlloc or MapLinear.
type Region struct {
	Start, End uint64
	Flags      models.MappingFlags
	// Linear regions point at caller-chosen physical pages, never allocated ones.
	Linear bool
	// PA is the physical start of a linear region.
	PA uint64
}

func (r *Region) Contains(va uint64) bool {
	return va >= r.Start && va < r.End
}

func (r *Region) String() string {
	kind := "alloc"
	if r.Linear {
		kind = fmt.Sprintf("linear pa=%#x", r.PA)
	}
	return fmt.Sprintf("%#x-%#x %s %s", r.Start, r.End, r.Flags, kind)
}

// AddrSpace is a guest address space: a page table plus the regions mapped in it.
// Its page table is used both as the guest's stage-1 table and as the stage-2 table,
// so a virtual address here is also a guest physical address.
type AddrSpace struct {
	phys    *PhysMem
	pt      *PageTable
	regions []*Region
}

var _ models.AddressSpace = (*AddrSpace)(nil)

func NewAddrSpace(phys *PhysMem) (*AddrSpace, error) {
	pt, err := NewPageTable(phys)
	if err != nil {
		return nil, err
	}
	return &AddrSpace{phys: phys, pt: pt}, nil
}

func (a *AddrSpace) Phys() *PhysMem        { return a.phys }
func (a *AddrSpace) PageTable() *PageTable { return a.pt }
func (a *AddrSpace) PageTableRoot() uint64 { return a.pt.Root() }
func (a *AddrSpace) Regions() []*Region    { return a.regions }

func (a *AddrSpace) checkRange(va, size uint64) error {
	if va&(PageSize-1) != 0 || size&(PageSize-1) != 0 || size == 0 {
		return errors.Wrapf(ErrAlign, "region %#x+%#x", va, size)
	}
	for _, r := range a.regions {
		if va < r.End && r.Start < va+size {
			return errors.Wrapf(ErrAlreadyExists, "region %#x-%#x overlaps %s", va, va+size, r)
		}
	}
	return nil
}

func (a *AddrSpace) addRegion(r *Region) {
	a.regions = append(a.regions, r)
	sort.Slice(a.regions, func(i, j int) bool { return a.regions[i].Start < a.regions[j].Start })
}

func (a *AddrSpace) findRegion(va uint64) *Region {
	for _, r := range a.regions {
		if r.Contains(va) {
			return r
		}
	}
	return nil
}

// MapAlloc maps [va, va+size) to freshly allocated frames. Without populate, frames are
// allocated on first access through Read or Write.
func (a *AddrSpace) MapAlloc(va, size uint64, flags models.MappingFlags, populate bool) error {
	if err := a.checkRange(va, size); err != nil {
		return err
	}
	if populate {
		for off := uint64(0); off < size; off += PageSize {
			if err := a.populate(va+off, flags); err != nil {
				// release the frames populated so far
				for undo := uint64(0); undo < off; undo += PageSize {
					if pa, uerr := a.pt.Unmap(va + undo); uerr == nil {
						a.phys.FreeFrame(pa)
					}
				}
				return err
			}
		}
	}
	a.addRegion(&Region{Start: va, End: va + size, Flags: flags})
	return nil
}

func (a *AddrSpace) populate(va uint64, flags models.MappingFlags) error {
	pa, err := a.phys.AllocFrame()
	if err != nil {
		return errors.Wrapf(err, "populate %#x", va)
	}
	if err := a.pt.Map(va, pa, flags); err != nil {
		a.phys.FreeFrame(pa)
		return err
	}
	return nil
}

// MapLinear maps [va, va+size) to [pa, pa+size).
func (a *AddrSpace) MapLinear(va, pa, size uint64, flags models.MappingFlags) error {
	if err := a.checkRange(va, size); err != nil {
		return err
	}
	if pa&(PageSize-1) != 0 {
		return errors.Wrapf(ErrAlign, "pa %#x", pa)
	}
	for off := uint64(0); off < size; off += PageSize {
		if err := a.pt.Map(va+off, pa+off, flags); err != nil {
			// undo the partial mapping
			for undo := uint64(0); undo < off; undo += PageSize {
				a.pt.Unmap(va + undo)
			}
			return err
		}
	}
	a.addRegion(&Region{Start: va, End: va + size, Flags: flags, Linear: true, PA: pa})
	return nil
}

// Query returns the mapping covering va.
func (a *AddrSpace) Query(va uint64) (uint64, models.MappingFlags, uint64, error) {
	return a.pt.Query(va)
}

// translate resolves va for a data access, populating lazy regions on demand.
func (a *AddrSpace) translate(va uint64) (uint64, error) {
	pa, _, _, err := a.pt.Query(va)
	if err == nil {
		return pa, nil
	}
	if errors.Cause(err) != ErrNotMapped {
		return 0, err
	}
	r := a.findRegion(va)
	if r == nil || r.Linear {
		return 0, err
	}
	if err := a.populate(va&^(PageSize-1), r.Flags); err != nil {
		return 0, err
	}
	pa, _, _, err = a.pt.Query(va)
	return pa, err
}

func (a *AddrSpace) access(va uint64, p []byte, write bool) error {
	for len(p) > 0 {
		pa, err := a.translate(va)
		if err != nil {
			return err
		}
		n := PageSize - va&(PageSize-1)
		if n > uint64(len(p)) {
			n = uint64(len(p))
		}
		if write {
			err = a.phys.Write(pa, p[:n])
		} else {
			err = a.phys.Read(pa, p[:n])
		}
		if err != nil {
			return errors.Wrapf(err, "va %#x", va)
		}
		va, p = va+n, p[n:]
	}
	return nil
}

func (a *AddrSpace) Read(va uint64, p []byte) error {
	return a.access(va, p, false)
}

func (a *AddrSpace) Write(va uint64, p []byte) error {
	return a.access(va, p, true)
}

// Close releases every allocated frame, including page table frames.
func (a *AddrSpace) Close() {
	for _, r := range a.regions {
		if r.Linear {
			continue
		}
		for va := r.Start; va < r.End; va += PageSize {
			if pa, err := a.pt.Unmap(va); err == nil {
				a.phys.FreeFrame(pa)
			}
		}
	}
	for _, f := range a.pt.Frames() {
		a.phys.FreeFrame(f)
	}
	a.regions = nil
}
