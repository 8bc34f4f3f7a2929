package riscv

// Major opcodes (bits [6:0]).
const (
	OP_LOAD     = 0x03
	OP_MISC_MEM = 0x0f
	OP_IMM      = 0x13
	OP_AUIPC    = 0x17
	OP_IMM_32   = 0x1b
	OP_STORE    = 0x23
	OP_OP       = 0x33
	OP_LUI      = 0x37
	OP_OP_32    = 0x3b
	OP_BRANCH   = 0x63
	OP_JALR     = 0x67
	OP_JAL      = 0x6f
	OP_SYSTEM   = 0x73
)

// Well-known fixed encodings.
const (
	INSN_ECALL  = 0x00000073
	INSN_EBREAK = 0x00100073
	INSN_SRET   = 0x10200073
	INSN_WFI    = 0x10500073

	// csrr a1, mhartid
	CsrrA1Mhartid = 0xf14025f3
)

// SYSTEM funct3 values.
const (
	SYS_PRIV   = 0
	SYS_CSRRW  = 1
	SYS_CSRRS  = 2
	SYS_CSRRC  = 3
	SYS_CSRRWI = 5
	SYS_CSRRSI = 6
	SYS_CSRRCI = 7
)

// funct7 values of the SYSTEM/PRIV fence instructions.
const (
	FUNCT7_SFENCE_VMA  = 0x09
	FUNCT7_HFENCE_VVMA = 0x11
	FUNCT7_HFENCE_GVMA = 0x31
)

// Insn is a raw 32-bit instruction word with field accessors.
type Insn uint32

func (i Insn) Opcode() int { return int(i & 0x7f) }
func (i Insn) Rd() int     { return int(i >> 7 & 0x1f) }
func (i Insn) Funct3() int { return int(i >> 12 & 0x7) }
func (i Insn) Rs1() int    { return int(i >> 15 & 0x1f) }
func (i Insn) Rs2() int    { return int(i >> 20 & 0x1f) }
func (i Insn) Funct7() int { return int(i >> 25) }
func (i Insn) Csr() int    { return int(i >> 20) }

// Compressed reports whether the low two bits mark a 16-bit encoding.
func (i Insn) Compressed() bool { return i&0x3 != 0x3 }

// ImmI returns the sign-extended I-type immediate.
func (i Insn) ImmI() int64 {
	return int64(int32(i) >> 20)
}

// ImmS returns the sign-extended S-type immediate.
func (i Insn) ImmS() int64 {
	return int64(int32(i)>>25<<5 | int32(i>>7&0x1f))
}

// ImmB returns the sign-extended B-type branch offset.
func (i Insn) ImmB() int64 {
	v := int32(i)>>31<<12 |
		int32(i>>7&0x1)<<11 |
		int32(i>>25&0x3f)<<5 |
		int32(i>>8&0xf)<<1
	return int64(v)
}

// ImmU returns the sign-extended U-type immediate, already shifted.
func (i Insn) ImmU() int64 {
	return int64(int32(i & 0xfffff000))
}

// ImmJ returns the sign-extended J-type jump offset.
func (i Insn) ImmJ() int64 {
	v := int32(i)>>31<<20 |
		int32(i>>12&0xff)<<12 |
		int32(i>>20&0x1)<<11 |
		int32(i>>21&0x3ff)<<1
	return int64(v)
}

// IsCsr reports whether i is one of the six Zicsr instructions.
func (i Insn) IsCsr() bool {
	return i.Opcode() == OP_SYSTEM && i.Funct3() != SYS_PRIV && i.Funct3() != 4
}

// CsrWrites reports whether a Zicsr instruction writes its CSR.
// csrrs/csrrc with a zero source never write.
func (i Insn) CsrWrites() bool {
	switch i.Funct3() {
	case SYS_CSRRW, SYS_CSRRWI:
		return true
	default:
		return i.Rs1() != 0
	}
}
