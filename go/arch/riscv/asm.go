package riscv

import "encoding/binary"

func rType(op, funct3, funct7, rd, rs1, rs2 int) uint32 {
	return uint32(funct7)<<25 | uint32(rs2&0x1f)<<20 | uint32(rs1&0x1f)<<15 |
		uint32(funct3)<<12 | uint32(rd&0x1f)<<7 | uint32(op)
}

func iType(op, funct3, rd, rs1 int, imm int64) uint32 {
	return uint32(imm&0xfff)<<20 | uint32(rs1&0x1f)<<15 | uint32(funct3)<<12 | uint32(rd&0x1f)<<7 | uint32(op)
}

func sType(op, funct3, rs1, rs2 int, imm int64) uint32 {
	return uint32(imm>>5&0x7f)<<25 | uint32(rs2&0x1f)<<20 | uint32(rs1&0x1f)<<15 |
		uint32(funct3)<<12 | uint32(imm&0x1f)<<7 | uint32(op)
}

func bType(funct3, rs1, rs2 int, off int64) uint32 {
	return uint32(off>>12&1)<<31 | uint32(off>>5&0x3f)<<25 | uint32(rs2&0x1f)<<20 |
		uint32(rs1&0x1f)<<15 | uint32(funct3)<<12 | uint32(off>>1&0xf)<<8 |
		uint32(off>>11&1)<<7 | OP_BRANCH
}

func Lui(rd int, imm int64) uint32 {
	return uint32(imm)&0xfffff000 | uint32(rd&0x1f)<<7 | OP_LUI
}

func Auipc(rd int, imm int64) uint32 {
	return uint32(imm)&0xfffff000 | uint32(rd&0x1f)<<7 | OP_AUIPC
}

func Addi(rd, rs1 int, imm int64) uint32  { return iType(OP_IMM, 0, rd, rs1, imm) }
func Addiw(rd, rs1 int, imm int64) uint32 { return iType(OP_IMM_32, 0, rd, rs1, imm) }
func Xori(rd, rs1 int, imm int64) uint32  { return iType(OP_IMM, 4, rd, rs1, imm) }
func Ori(rd, rs1 int, imm int64) uint32   { return iType(OP_IMM, 6, rd, rs1, imm) }
func Andi(rd, rs1 int, imm int64) uint32  { return iType(OP_IMM, 7, rd, rs1, imm) }
func Slli(rd, rs1, sh int) uint32         { return iType(OP_IMM, 1, rd, rs1, int64(sh&0x3f)) }
func Srli(rd, rs1, sh int) uint32         { return iType(OP_IMM, 5, rd, rs1, int64(sh&0x3f)) }
func Add(rd, rs1, rs2 int) uint32         { return rType(OP_OP, 0, 0, rd, rs1, rs2) }
func Sub(rd, rs1, rs2 int) uint32         { return rType(OP_OP, 0, 0x20, rd, rs1, rs2) }
func Mul(rd, rs1, rs2 int) uint32         { return rType(OP_OP, 0, 1, rd, rs1, rs2) }
func Lb(rd, rs1 int, off int64) uint32    { return iType(OP_LOAD, 0, rd, rs1, off) }
func Lw(rd, rs1 int, off int64) uint32    { return iType(OP_LOAD, 2, rd, rs1, off) }
func Ld(rd, rs1 int, off int64) uint32    { return iType(OP_LOAD, 3, rd, rs1, off) }
func Sb(rs2, rs1 int, off int64) uint32   { return sType(OP_STORE, 0, rs1, rs2, off) }
func Sw(rs2, rs1 int, off int64) uint32   { return sType(OP_STORE, 2, rs1, rs2, off) }
func Sd(rs2, rs1 int, off int64) uint32   { return sType(OP_STORE, 3, rs1, rs2, off) }
func Beq(rs1, rs2 int, off int64) uint32  { return bType(0, rs1, rs2, off) }
func Bne(rs1, rs2 int, off int64) uint32  { return bType(1, rs1, rs2, off) }
func Jalr(rd, rs1 int, off int64) uint32  { return iType(OP_JALR, 0, rd, rs1, off) }

func Jal(rd int, off int64) uint32 {
	return uint32(off>>20&1)<<31 | uint32(off>>1&0x3ff)<<21 | uint32(off>>11&1)<<20 |
		uint32(off>>12&0xff)<<12 | uint32(rd&0x1f)<<7 | OP_JAL
}

func Csrr(rd, csr int) uint32       { return iType(OP_SYSTEM, SYS_CSRRS, rd, 0, int64(csr)) }
func Csrw(csr, rs1 int) uint32      { return iType(OP_SYSTEM, SYS_CSRRW, 0, rs1, int64(csr)) }
func Csrrw(rd, csr, rs1 int) uint32 { return iType(OP_SYSTEM, SYS_CSRRW, rd, rs1, int64(csr)) }
func Csrrs(rd, csr, rs1 int) uint32 { return iType(OP_SYSTEM, SYS_CSRRS, rd, rs1, int64(csr)) }
func Ecall() uint32                 { return INSN_ECALL }
func Ebreak() uint32                { return INSN_EBREAK }
func Wfi() uint32                   { return INSN_WFI }
func Nop() uint32                   { return Addi(ZERO, ZERO, 0) }

// Li loads a sign-extended 32-bit constant with lui+addiw, or a single addi when it fits.
func Li(rd int, imm int32) []uint32 {
	if imm >= -2048 && imm < 2048 {
		return []uint32{Addi(rd, ZERO, int64(imm))}
	}
	lo := int64(imm) << 52 >> 52
	hi := int64(imm) - lo
	return []uint32{Lui(rd, hi), Addiw(rd, rd, lo)}
}

// Asm accumulates encoded instructions for building small guest images.
type Asm struct {
	words []uint32
}

func (a *Asm) Emit(words ...uint32) *Asm {
	a.words = append(a.words, words...)
	return a
}

// PC returns the byte offset of the next instruction.
func (a *Asm) PC() int64 { return int64(len(a.words) * 4) }

func (a *Asm) Bytes() []byte {
	out := make([]byte, len(a.words)*4)
	for i, w := range a.words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}
