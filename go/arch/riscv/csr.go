package riscv

// Supervisor CSRs.
const (
	CSR_SSTATUS    = 0x100
	CSR_SIE        = 0x104
	CSR_STVEC      = 0x105
	CSR_SCOUNTEREN = 0x106
	CSR_SSCRATCH   = 0x140
	CSR_SEPC       = 0x141
	CSR_SCAUSE     = 0x142
	CSR_STVAL      = 0x143
	CSR_SIP        = 0x144
	CSR_SATP       = 0x180
)

// Virtual supervisor CSRs.
const (
	CSR_VSSTATUS  = 0x200
	CSR_VSIE      = 0x204
	CSR_VSTVEC    = 0x205
	CSR_VSSCRATCH = 0x240
	CSR_VSEPC     = 0x241
	CSR_VSCAUSE   = 0x242
	CSR_VSTVAL    = 0x243
	CSR_VSIP      = 0x244
	CSR_VSATP     = 0x280
)

// Hypervisor CSRs.
const (
	CSR_HSTATUS    = 0x600
	CSR_HEDELEG    = 0x602
	CSR_HIDELEG    = 0x603
	CSR_HIE        = 0x604
	CSR_HCOUNTEREN = 0x606
	CSR_HTVAL      = 0x643
	CSR_HIP        = 0x644
	CSR_HVIP       = 0x645
	CSR_HTINST     = 0x64a
	CSR_HGATP      = 0x680
)

// Machine information registers.
const (
	CSR_MVENDORID = 0xf11
	CSR_MARCHID   = 0xf12
	CSR_MIMPID    = 0xf13
	CSR_MHARTID   = 0xf14
)

// Unprivileged counters.
const (
	CSR_CYCLE   = 0xc00
	CSR_TIME    = 0xc01
	CSR_INSTRET = 0xc02
)

// Privilege levels as encoded in CSR address bits [9:8].
const (
	PRV_U = 0
	PRV_S = 1
	PRV_H = 2
	PRV_M = 3
)

// CsrLevel returns the lowest privilege level allowed to access csr.
func CsrLevel(csr int) int {
	return csr >> 8 & 0x3
}

// CsrReadOnly reports whether csr lives in a read-only address block.
func CsrReadOnly(csr int) bool {
	return csr>>10&0x3 == 0x3
}

var csrNames = map[int]string{
	CSR_SSTATUS:    "sstatus",
	CSR_SIE:        "sie",
	CSR_STVEC:      "stvec",
	CSR_SCOUNTEREN: "scounteren",
	CSR_SSCRATCH:   "sscratch",
	CSR_SEPC:       "sepc",
	CSR_SCAUSE:     "scause",
	CSR_STVAL:      "stval",
	CSR_SIP:        "sip",
	CSR_SATP:       "satp",
	CSR_VSSTATUS:   "vsstatus",
	CSR_VSIE:       "vsie",
	CSR_VSTVEC:     "vstvec",
	CSR_VSSCRATCH:  "vsscratch",
	CSR_VSEPC:      "vsepc",
	CSR_VSCAUSE:    "vscause",
	CSR_VSTVAL:     "vstval",
	CSR_VSIP:       "vsip",
	CSR_VSATP:      "vsatp",
	CSR_HSTATUS:    "hstatus",
	CSR_HEDELEG:    "hedeleg",
	CSR_HIDELEG:    "hideleg",
	CSR_HIE:        "hie",
	CSR_HCOUNTEREN: "hcounteren",
	CSR_HTVAL:      "htval",
	CSR_HIP:        "hip",
	CSR_HVIP:       "hvip",
	CSR_HTINST:     "htinst",
	CSR_HGATP:      "hgatp",
	CSR_MVENDORID:  "mvendorid",
	CSR_MARCHID:    "marchid",
	CSR_MIMPID:     "mimpid",
	CSR_MHARTID:    "mhartid",
	CSR_CYCLE:      "cycle",
	CSR_TIME:       "time",
	CSR_INSTRET:    "instret",
}

func CsrName(csr int) string {
	if name, ok := csrNames[csr]; ok {
		return name
	}
	return "csr?"
}

// CsrByName is the inverse of CsrName.
func CsrByName(name string) (int, bool) {
	for csr, n := range csrNames {
		if n == name {
			return csr, true
		}
	}
	return 0, false
}
