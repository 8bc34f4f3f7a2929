package soft

import (
	"github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/models/cpu"
)

type access int

const (
	accFetch access = iota
	accLoad
	accStore
)

func (a access) prot() int {
	switch a {
	case accFetch:
		return cpu.PROT_EXEC
	case accStore:
		return cpu.PROT_WRITE
	}
	return cpu.PROT_READ
}

func (a access) pageFault() riscv.Exception {
	switch a {
	case accFetch:
		return riscv.InstructionPageFault
	case accStore:
		return riscv.StorePageFault
	}
	return riscv.LoadPageFault
}

func (a access) guestPageFault() riscv.Exception {
	switch a {
	case accFetch:
		return riscv.InstructionGuestPageFault
	case accStore:
		return riscv.StoreGuestPageFault
	}
	return riscv.LoadGuestPageFault
}

func (a access) accessFault() riscv.Exception {
	switch a {
	case accFetch:
		return riscv.InstructionFault
	case accStore:
		return riscv.StoreFault
	}
	return riscv.LoadFault
}

// tlbEntry caches one G-stage leaf: host page and PTE permission bits.
type tlbEntry struct {
	hpa   uint64
	flags uint64
}

func pteAllows(pte uint64, acc access, mxr bool) bool {
	switch acc {
	case accFetch:
		return pte&riscv.PTE_X != 0
	case accStore:
		return pte&riscv.PTE_W != 0
	}
	return pte&riscv.PTE_R != 0 || mxr && pte&riscv.PTE_X != 0
}

// gstage translates a guest physical address to a host physical address. tval is the
// address reported in stval if the walk faults.
func (h *Hart) gstage(gpa uint64, acc access, tval uint64) (uint64, *trap) {
	hgatp := h.csr[riscv.CSR_HGATP]
	fault := &trap{cause: acc.guestPageFault(), tval: tval, gpa: gpa, gpaValid: true}
	switch riscv.ATPMode(hgatp) {
	case riscv.ATP_MODE_BARE:
		return gpa, nil
	case riscv.ATP_MODE_SV39:
	default:
		return 0, fault
	}
	if gpa>>riscv.Sv39x4PABits != 0 {
		return 0, fault
	}
	page := gpa &^ 0xfff
	ent, ok := h.tlb[page]
	if !ok {
		table := riscv.ATPRoot(hgatp)
		for level := riscv.Sv39Levels - 1; ; level-- {
			idx := uint64(riscv.Sv39Index(gpa, level))
			if level == riscv.Sv39Levels-1 {
				// Sv39x4 widens the root index by two bits
				idx = gpa >> 30 & 0x7ff
			}
			pte, err := h.phys.ReadUint(table+idx*8, 8)
			if err != nil {
				return 0, &trap{cause: acc.accessFault(), tval: tval}
			}
			if pte&riscv.PTE_V == 0 || pte&(riscv.PTE_R|riscv.PTE_W) == riscv.PTE_W {
				return 0, fault
			}
			if riscv.PTELeaf(pte) {
				if level != 0 || pte&riscv.PTE_U == 0 {
					return 0, fault
				}
				ent = tlbEntry{hpa: riscv.PTEAddr(pte), flags: riscv.PTEFlags(pte)}
				h.tlb[page] = ent
				break
			}
			if level == 0 {
				return 0, fault
			}
			table = riscv.PTEAddr(pte)
		}
	}
	if !pteAllows(ent.flags, acc, false) {
		return 0, fault
	}
	return ent.hpa | gpa&0xfff, nil
}

// translate maps a guest virtual address through the VS-stage and G-stage tables.
func (h *Hart) translate(va uint64, acc access) (uint64, *trap) {
	vsatp := h.csr[riscv.CSR_VSATP]
	if riscv.ATPMode(vsatp) == riscv.ATP_MODE_BARE {
		return h.gstage(va, acc, va)
	}
	pageFault := &trap{cause: acc.pageFault(), tval: va}
	if riscv.ATPMode(vsatp) != riscv.ATP_MODE_SV39 {
		return 0, pageFault
	}
	// Sv39 addresses must be sign extended from bit 38
	if top := int64(va) >> (riscv.Sv39VABits - 1); top != 0 && top != -1 {
		return 0, pageFault
	}
	vsstatus := h.csr[riscv.CSR_VSSTATUS]
	table := riscv.ATPRoot(vsatp)
	for level := riscv.Sv39Levels - 1; level >= 0; level-- {
		pteGPA := table + uint64(riscv.Sv39Index(va, level))*8
		// implicit accesses to the guest table are reads at G-stage
		pteHPA, t := h.gstage(pteGPA, accLoad, va)
		if t != nil {
			t.cause = acc.guestPageFault()
			return 0, t
		}
		pte, err := h.phys.ReadUint(pteHPA, 8)
		if err != nil {
			return 0, &trap{cause: acc.accessFault(), tval: va}
		}
		if pte&riscv.PTE_V == 0 || pte&(riscv.PTE_R|riscv.PTE_W) == riscv.PTE_W {
			return 0, pageFault
		}
		if !riscv.PTELeaf(pte) {
			table = riscv.PTEAddr(pte)
			continue
		}
		user := pte&riscv.PTE_U != 0
		if h.prv == riscv.PRV_U && !user {
			return 0, pageFault
		}
		if h.prv == riscv.PRV_S && user && (acc == accFetch || vsstatus&riscv.SSTATUS_SUM == 0) {
			return 0, pageFault
		}
		if !pteAllows(pte, acc, vsstatus&riscv.SSTATUS_MXR != 0) || pte&riscv.PTE_A == 0 ||
			acc == accStore && pte&riscv.PTE_D == 0 {
			return 0, pageFault
		}
		// superpages map the low VPN bits straight through
		mask := uint64(1)<<(12+riscv.Sv39IdxBits*uint(level)) - 1
		base := riscv.PTEAddr(pte)
		if base&mask&^0xfff != 0 {
			return 0, pageFault
		}
		return h.gstage(base|va&mask, acc, va)
	}
	return 0, pageFault
}
