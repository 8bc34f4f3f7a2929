package models

// Ins is one decoded instruction, as produced by a disassembler.
type Ins interface {
	Addr() uint64
	Bytes() []byte
	Mnemonic() string
	OpStr() string
}
