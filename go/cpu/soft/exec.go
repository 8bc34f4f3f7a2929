package soft

import (
	"math/bits"

	"github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/models/cpu"
)

func sext32(v uint64) uint64 { return uint64(int64(int32(v))) }

func (h *Hart) illegal(insn uint32) *trap {
	return &trap{cause: riscv.IllegalInstruction, tval: uint64(insn), insn: insn}
}

func (h *Hart) load(va uint64, size int, insn uint32) (uint64, *trap) {
	if va&uint64(size-1) != 0 {
		return 0, &trap{cause: riscv.LoadMisaligned, tval: va, insn: insn}
	}
	pa, t := h.translate(va, accLoad)
	if t != nil {
		t.insn = insn
		return 0, t
	}
	val, err := h.mem.ReadUint(pa, size, cpu.PROT_READ)
	if err != nil {
		return 0, &trap{cause: riscv.LoadFault, tval: va, insn: insn}
	}
	return val, nil
}

func (h *Hart) store(va uint64, size int, val uint64, insn uint32) *trap {
	if va&uint64(size-1) != 0 {
		return &trap{cause: riscv.StoreMisaligned, tval: va, insn: insn}
	}
	pa, t := h.translate(va, accStore)
	if t != nil {
		t.insn = insn
		return t
	}
	if err := h.mem.WriteUint(pa, size, cpu.PROT_WRITE, val); err != nil {
		return &trap{cause: riscv.StoreFault, tval: va, insn: insn}
	}
	return nil
}

func (h *Hart) fetch() (uint32, *trap) {
	if h.pc&3 != 0 {
		return 0, &trap{cause: riscv.InstructionMisaligned, tval: h.pc}
	}
	pa, t := h.translate(h.pc, accFetch)
	if t != nil {
		return 0, t
	}
	word, err := h.mem.ReadUint(pa, 4, cpu.PROT_EXEC)
	if err != nil {
		return 0, &trap{cause: riscv.InstructionFault, tval: h.pc}
	}
	return uint32(word), nil
}

func aluOp(f3, f7 int, a, b uint64, word bool) (uint64, bool) {
	shMask := uint64(63)
	if word {
		shMask = 31
	}
	if f7 == 1 {
		return mulOp(f3, a, b, word), true
	}
	switch f3 {
	case 0:
		if f7 == 0x20 {
			return a - b, true
		}
		return a + b, true
	case 1:
		if word {
			return uint64(uint32(a) << (b & shMask)), true
		}
		return a << (b & shMask), true
	case 2:
		return rbool(int64(a) < int64(b)), !word
	case 3:
		return rbool(a < b), !word
	case 4:
		return a ^ b, !word
	case 5:
		if word {
			if f7 == 0x20 {
				return uint64(int32(a) >> (b & shMask)), true
			}
			return uint64(uint32(a) >> (b & shMask)), true
		}
		if f7 == 0x20 {
			return uint64(int64(a) >> (b & shMask)), true
		}
		return a >> (b & shMask), true
	case 6:
		return a | b, !word
	case 7:
		return a & b, !word
	}
	return 0, false
}

func mulOp(f3 int, a, b uint64, word bool) uint64 {
	if word {
		a32, b32 := int32(a), int32(b)
		switch f3 {
		case 0:
			return uint64(a32 * b32)
		case 4:
			if b32 == 0 {
				return ^uint64(0)
			}
			if a32 == -1<<31 && b32 == -1 {
				return uint64(a32)
			}
			return uint64(a32 / b32)
		case 5:
			if b32 == 0 {
				return ^uint64(0)
			}
			return uint64(int32(uint32(a32) / uint32(b32)))
		case 6:
			if b32 == 0 {
				return uint64(a32)
			}
			if a32 == -1<<31 && b32 == -1 {
				return 0
			}
			return uint64(a32 % b32)
		case 7:
			if b32 == 0 {
				return uint64(a32)
			}
			return uint64(int32(uint32(a32) % uint32(b32)))
		}
		return 0
	}
	switch f3 {
	case 0:
		return a * b
	case 1:
		hi, _ := bits.Mul64(a, b)
		if int64(a) < 0 {
			hi -= b
		}
		if int64(b) < 0 {
			hi -= a
		}
		return hi
	case 2:
		hi, _ := bits.Mul64(a, b)
		if int64(a) < 0 {
			hi -= b
		}
		return hi
	case 3:
		hi, _ := bits.Mul64(a, b)
		return hi
	case 4:
		if b == 0 {
			return ^uint64(0)
		}
		if int64(a) == -1<<63 && int64(b) == -1 {
			return a
		}
		return uint64(int64(a) / int64(b))
	case 5:
		if b == 0 {
			return ^uint64(0)
		}
		return a / b
	case 6:
		if b == 0 {
			return a
		}
		if int64(a) == -1<<63 && int64(b) == -1 {
			return 0
		}
		return uint64(int64(a) % int64(b))
	case 7:
		if b == 0 {
			return a
		}
		return a % b
	}
	return 0
}

func rbool(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

var loadSizes = [8]int{1, 2, 4, 8, 1, 2, 4, 0}

// step executes one instruction, returning the trap it raised, if any.
func (h *Hart) step() *trap {
	word, t := h.fetch()
	if t != nil {
		return t
	}
	h.OnCode(h.pc, 4)
	insn := riscv.Insn(word)
	if insn.Compressed() {
		return h.illegal(word)
	}
	rd, rs1, rs2, f3 := insn.Rd(), insn.Rs1(), insn.Rs2(), insn.Funct3()
	a, b := h.reg(rs1), h.reg(rs2)
	next := h.pc + 4

	switch insn.Opcode() {
	case riscv.OP_LUI:
		h.setReg(rd, uint64(insn.ImmU()))
	case riscv.OP_AUIPC:
		h.setReg(rd, h.pc+uint64(insn.ImmU()))
	case riscv.OP_JAL:
		h.setReg(rd, next)
		next = h.pc + uint64(insn.ImmJ())
	case riscv.OP_JALR:
		if f3 != 0 {
			return h.illegal(word)
		}
		target := (a + uint64(insn.ImmI())) &^ 1
		h.setReg(rd, next)
		next = target
	case riscv.OP_BRANCH:
		var taken bool
		switch f3 {
		case 0:
			taken = a == b
		case 1:
			taken = a != b
		case 4:
			taken = int64(a) < int64(b)
		case 5:
			taken = int64(a) >= int64(b)
		case 6:
			taken = a < b
		case 7:
			taken = a >= b
		default:
			return h.illegal(word)
		}
		if taken {
			next = h.pc + uint64(insn.ImmB())
		}
	case riscv.OP_LOAD:
		size := loadSizes[f3]
		if size == 0 {
			return h.illegal(word)
		}
		val, t := h.load(a+uint64(insn.ImmI()), size, word)
		if t != nil {
			return t
		}
		if f3 < 4 {
			shift := uint(64 - 8*size)
			val = uint64(int64(val<<shift) >> shift)
		}
		h.setReg(rd, val)
	case riscv.OP_STORE:
		if f3 > 3 {
			return h.illegal(word)
		}
		if t := h.store(a+uint64(insn.ImmS()), 1<<uint(f3), b, word); t != nil {
			return t
		}
	case riscv.OP_IMM, riscv.OP_IMM_32:
		imm := uint64(insn.ImmI())
		word32 := insn.Opcode() == riscv.OP_IMM_32
		f7 := 0
		if f3 == 1 || f3 == 5 {
			// shifts carry the arithmetic flag in the immediate
			f7 = insn.Funct7() &^ 1
			if word32 {
				f7 = insn.Funct7()
			}
			if f7 != 0 && f7 != 0x20 || f3 == 1 && f7 != 0 {
				return h.illegal(word)
			}
		}
		val, ok := aluOp(f3, f7, a, imm, word32)
		if !ok {
			return h.illegal(word)
		}
		if word32 {
			val = sext32(val)
		}
		h.setReg(rd, val)
	case riscv.OP_OP, riscv.OP_OP_32:
		f7 := insn.Funct7()
		word32 := insn.Opcode() == riscv.OP_OP_32
		if f7 != 0 && f7 != 1 && !(f7 == 0x20 && (f3 == 0 || f3 == 5)) {
			return h.illegal(word)
		}
		if word32 && f7 == 1 && (f3 == 1 || f3 == 2 || f3 == 3) {
			return h.illegal(word)
		}
		val, ok := aluOp(f3, f7, a, b, word32)
		if !ok {
			return h.illegal(word)
		}
		if word32 {
			val = sext32(val)
		}
		h.setReg(rd, val)
	case riscv.OP_MISC_MEM:
		// fences are no-ops on a single in-order hart
	case riscv.OP_SYSTEM:
		var t *trap
		next, t = h.system(insn, next)
		if t != nil {
			return t
		}
	default:
		return h.illegal(word)
	}
	h.pc = next
	return nil
}

func (h *Hart) system(insn riscv.Insn, next uint64) (uint64, *trap) {
	word := uint32(insn)
	if insn.IsCsr() {
		return next, h.csrInsn(insn)
	}
	if insn.Funct3() != riscv.SYS_PRIV {
		return 0, h.illegal(word)
	}
	switch word {
	case riscv.INSN_ECALL:
		h.OnIntr(8)
		if h.prv == riscv.PRV_S {
			return 0, &trap{cause: riscv.VirtualSupervisorEnvCall, insn: word}
		}
		return 0, &trap{cause: riscv.UserEnvCall, insn: word}
	case riscv.INSN_EBREAK:
		return 0, &trap{cause: riscv.Breakpoint, tval: h.pc, insn: word}
	case riscv.INSN_WFI:
		if h.prv == riscv.PRV_U {
			return 0, h.illegal(word)
		}
		return next, nil
	case riscv.INSN_SRET:
		if h.prv == riscv.PRV_U {
			return 0, h.illegal(word)
		}
		// sret inside the guest returns through the VS bank
		vsstatus := h.csr[riscv.CSR_VSSTATUS]
		h.prv = riscv.PRV_U
		if vsstatus&riscv.SSTATUS_SPP != 0 {
			h.prv = riscv.PRV_S
		}
		h.csr[riscv.CSR_VSSTATUS] = vsstatus &^ riscv.SSTATUS_SPP
		return h.csr[riscv.CSR_VSEPC], nil
	}
	if insn.Rd() == 0 && insn.Funct7() == riscv.FUNCT7_SFENCE_VMA && h.prv == riscv.PRV_S {
		// there is no VS-stage cache to flush
		return next, nil
	}
	return 0, h.illegal(word)
}
