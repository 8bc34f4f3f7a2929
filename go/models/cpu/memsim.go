package cpu

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

type MemError struct {
	Addr uint64
	Size int
	Enum int
}

func (m *MemError) Error() string {
	reason := "memory error"
	switch m.Enum {
	case MEM_WRITE_UNMAPPED:
		reason = "unmapped write"
	case MEM_READ_UNMAPPED:
		reason = "unmapped read"
	case MEM_FETCH_UNMAPPED:
		reason = "unmapped fetch"
	case MEM_WRITE_PROT:
		reason = "protected write"
	case MEM_READ_PROT:
		reason = "protected read"
	case MEM_FETCH_PROT:
		reason = "protected exec"
	}
	return fmt.Sprintf("%s at %#x(%d)", reason, m.Addr, m.Size)
}

// MemSim keeps a sorted list of disjoint regions.
// Unlike a process address space, regions are never split: RAM banks are mapped and
// unmapped whole.
type MemSim struct {
	Mem Pages
}

// Checks whether the address range exists in the currently-mapped memory.
// If prot > 0, ensures that each region has the entire protection mask provided.
func (m *MemSim) RangeValid(addr, size uint64, prot int) (mapGood bool, protGood bool) {
	first := m.Mem.bsearch(addr)
	if first == -1 {
		return false, false
	}
	protGood = true
	end := addr + size
	for _, mm := range m.Mem[first:] {
		if !mm.Contains(addr) {
			break
		}
		if prot > 0 && mm.Prot&prot != prot {
			protGood = false
		}
		addr = mm.Addr + mm.Size
		if addr >= end {
			break
		}
	}
	return addr >= end, protGood
}

// Map inserts data as a new region at addr. Overlapping an existing region is an error.
func (m *MemSim) Map(addr uint64, data []byte, prot int, desc string) (*Page, error) {
	size := uint64(len(data))
	if size == 0 {
		return nil, errors.New("empty region")
	}
	for _, mm := range m.Mem {
		if mm.Overlaps(addr, size) {
			return nil, errors.Errorf("region %#x-%#x overlaps %s", addr, addr+size, mm)
		}
	}
	page := &Page{Addr: addr, Size: size, Prot: prot, Data: data, Desc: desc}
	m.Mem = append(m.Mem, page)
	sort.Sort(m.Mem)
	return page, nil
}

// Unmap removes the region starting exactly at addr.
func (m *MemSim) Unmap(addr uint64) (*Page, error) {
	for i, mm := range m.Mem {
		if mm.Addr == addr {
			m.Mem = append(m.Mem[:i], m.Mem[i+1:]...)
			return mm, nil
		}
	}
	return nil, errors.Errorf("no region at %#x", addr)
}

func (m *MemSim) check(addr uint64, size int, prot int, unmapped, denied int) error {
	if gmap, gprot := m.RangeValid(addr, uint64(size), prot); !gmap {
		return &MemError{Addr: addr, Size: size, Enum: unmapped}
	} else if !gprot {
		return &MemError{Addr: addr, Size: size, Enum: denied}
	}
	return nil
}

func (m *MemSim) Read(addr uint64, p []byte, prot int) error {
	unmapped, denied := MEM_READ_UNMAPPED, MEM_READ_PROT
	if prot&PROT_EXEC == PROT_EXEC {
		unmapped, denied = MEM_FETCH_UNMAPPED, MEM_FETCH_PROT
	}
	if err := m.check(addr, len(p), prot, unmapped, denied); err != nil {
		return err
	}
	for i := m.Mem.bsearch(addr); i < len(m.Mem) && len(p) > 0; i++ {
		mm := m.Mem[i]
		n := copy(p, mm.Data[addr-mm.Addr:])
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}

func (m *MemSim) Write(addr uint64, p []byte, prot int) error {
	if err := m.check(addr, len(p), prot, MEM_WRITE_UNMAPPED, MEM_WRITE_PROT); err != nil {
		return err
	}
	for i := m.Mem.bsearch(addr); i < len(m.Mem) && len(p) > 0; i++ {
		mm := m.Mem[i]
		n := copy(mm.Data[addr-mm.Addr:], p)
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}
