package models

// Hart is the set of privileged operations the hypervisor needs from the CPU it runs on.
// Implementations exist for a pure software model and for Unicorn.
type Hart interface {
	ReadCSR(csr int) (uint64, error)
	WriteCSR(csr int, val uint64) error
	// EnterGuest restores ctx into the guest, runs until the next trap, then captures
	// the guest state and the trap event back into ctx.
	EnterGuest(ctx *VmCpuRegisters) error
	// HfenceGVMA invalidates all cached guest-physical translations.
	HfenceGVMA() error
	// ReadPhys reads host physical memory.
	ReadPhys(pa uint64, p []byte) error
	Close() error
}
