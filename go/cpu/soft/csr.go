package soft

import (
	"github.com/simplehv/simplehv/go/arch/riscv"
)

// supervisor CSRs a VS-mode guest may touch; each is redirected to its VS twin
var vsRedirect = map[int]int{
	riscv.CSR_SSTATUS:  riscv.CSR_VSSTATUS,
	riscv.CSR_SIE:      riscv.CSR_VSIE,
	riscv.CSR_STVEC:    riscv.CSR_VSTVEC,
	riscv.CSR_SSCRATCH: riscv.CSR_VSSCRATCH,
	riscv.CSR_SEPC:     riscv.CSR_VSEPC,
	riscv.CSR_SCAUSE:   riscv.CSR_VSCAUSE,
	riscv.CSR_STVAL:    riscv.CSR_VSTVAL,
	riscv.CSR_SIP:      riscv.CSR_VSIP,
	riscv.CSR_SATP:     riscv.CSR_VSATP,
}

// guestCsr resolves a CSR number accessed by the guest to backing storage.
// ok is false when the access must raise an illegal instruction.
func (h *Hart) guestCsr(csr int, write bool) (int, bool) {
	switch riscv.CsrLevel(csr) {
	case riscv.PRV_U:
		switch csr {
		case riscv.CSR_CYCLE, riscv.CSR_TIME, riscv.CSR_INSTRET:
			return csr, !write
		}
		return 0, false
	case riscv.PRV_S:
		if h.prv != riscv.PRV_S {
			return 0, false
		}
		target, ok := vsRedirect[csr]
		return target, ok
	}
	// H and M level CSRs are never visible to a guest
	return 0, false
}

func (h *Hart) csrInsn(insn riscv.Insn) *trap {
	word := uint32(insn)
	write := insn.CsrWrites()
	csr, ok := h.guestCsr(insn.Csr(), write)
	if !ok {
		return h.illegal(word)
	}
	var old uint64
	switch csr {
	case riscv.CSR_CYCLE, riscv.CSR_TIME, riscv.CSR_INSTRET:
		old = h.instret
	default:
		old = h.csr[csr]
	}
	src := h.reg(insn.Rs1())
	if insn.Funct3() >= riscv.SYS_CSRRWI {
		src = uint64(insn.Rs1())
	}
	if write {
		val := src
		switch insn.Funct3() {
		case riscv.SYS_CSRRS, riscv.SYS_CSRRSI:
			val = old | src
		case riscv.SYS_CSRRC, riscv.SYS_CSRRCI:
			val = old &^ src
		}
		if csr == riscv.CSR_VSATP {
			if mode := riscv.ATPMode(val); mode != riscv.ATP_MODE_BARE && mode != riscv.ATP_MODE_SV39 {
				val = old
			}
		}
		h.csr[csr] = val
	}
	h.setReg(insn.Rd(), old)
	return nil
}
