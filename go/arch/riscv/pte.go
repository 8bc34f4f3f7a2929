package riscv

// Sv39 page table entry bits.
const (
	PTE_V = 1 << 0
	PTE_R = 1 << 1
	PTE_W = 1 << 2
	PTE_X = 1 << 3
	PTE_U = 1 << 4
	PTE_G = 1 << 5
	PTE_A = 1 << 6
	PTE_D = 1 << 7

	pteFlagMask = 0x3ff
	ptePPNShift = 10
	ptePPNMask  = 1<<44 - 1
)

// Sv39 geometry: three levels of 512 entries, 12-bit page offset.
const (
	Sv39Levels   = 3
	Sv39IdxBits  = 9
	Sv39VABits   = 39
	Sv39x4PABits = 41
)

func MakePTE(pa uint64, flags uint64) uint64 {
	return (pa>>12)&ptePPNMask<<ptePPNShift | flags&pteFlagMask
}

// PTEAddr returns the physical address a PTE points to.
func PTEAddr(pte uint64) uint64 {
	return (pte >> ptePPNShift & ptePPNMask) << 12
}

func PTEFlags(pte uint64) uint64 {
	return pte & pteFlagMask
}

// PTELeaf reports whether a valid PTE is a leaf rather than a pointer to the next level.
func PTELeaf(pte uint64) bool {
	return pte&(PTE_R|PTE_X) != 0
}

// Sv39Index returns the table index of va at level (2 is the root).
func Sv39Index(va uint64, level int) int {
	return int(va >> (12 + Sv39IdxBits*uint(level)) & (1<<Sv39IdxBits - 1))
}
