package cpu

// Cpu is the part of a hart model visible to hook callbacks.
type Cpu interface {
	RegRead(reg int) (uint64, error)
	RegWrite(reg int, val uint64) error
	Stop() error
}
