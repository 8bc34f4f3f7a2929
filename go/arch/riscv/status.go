package riscv

// sstatus bits.
const (
	SSTATUS_SIE  = 1 << 1
	SSTATUS_SPIE = 1 << 5
	SSTATUS_SPP  = 1 << 8
	SSTATUS_SUM  = 1 << 18
	SSTATUS_MXR  = 1 << 19
)

// hstatus bits.
const (
	HSTATUS_GVA  = 1 << 6
	HSTATUS_SPV  = 1 << 7
	HSTATUS_SPVP = 1 << 8
	HSTATUS_HU   = 1 << 9
	HSTATUS_VTVM = 1 << 20
	HSTATUS_VTW  = 1 << 21
	HSTATUS_VTSR = 1 << 22
)

// Address translation modes for satp, vsatp and hgatp.
const (
	ATP_MODE_BARE = 0
	ATP_MODE_SV39 = 8
	ATP_MODE_SV48 = 9

	atpModeShift = 60
	atpPPNMask   = 1<<44 - 1
)

// MakeATP builds an satp-format value for a root table at physical address root.
// The VMID/ASID field is left zero.
func MakeATP(mode int, root uint64) uint64 {
	return uint64(mode)<<atpModeShift | (root>>12)&atpPPNMask
}

// ATPMode extracts the mode field of an satp-format value.
func ATPMode(atp uint64) int {
	return int(atp >> atpModeShift)
}

// ATPRoot extracts the root table physical address of an satp-format value.
func ATPRoot(atp uint64) uint64 {
	return (atp & atpPPNMask) << 12
}
