package riscv

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/simplehv/simplehv/go/models"
)

type ins struct {
	addr  uint64
	name  string
	args  []string
	bytes []byte
}

func (i *ins) String() string {
	if len(i.args) == 0 {
		return i.name
	}
	return i.name + " " + i.OpStr()
}

func (i *ins) Addr() uint64     { return i.addr }
func (i *ins) Bytes() []byte    { return i.bytes }
func (i *ins) Mnemonic() string { return i.name }
func (i *ins) OpStr() string    { return strings.Join(i.args, ", ") }

func hex(v int64) string {
	if v < 0 {
		return fmt.Sprintf("-%#x", -v)
	}
	return fmt.Sprintf("%#x", v)
}

func mem(off int64, base int) string {
	return fmt.Sprintf("%s(%s)", hex(off), RegName(base))
}

var (
	loadNames   = [8]string{"lb", "lh", "lw", "ld", "lbu", "lhu", "lwu", ""}
	storeNames  = [8]string{"sb", "sh", "sw", "sd", "", "", "", ""}
	branchNames = [8]string{"beq", "bne", "", "", "blt", "bge", "bltu", "bgeu"}
	immNames    = [8]string{"addi", "slli", "slti", "sltiu", "xori", "srli", "ori", "andi"}
	opNames     = [8]string{"add", "sll", "slt", "sltu", "xor", "srl", "or", "and"}
	mulNames    = [8]string{"mul", "mulh", "mulhsu", "mulhu", "div", "divu", "rem", "remu"}
	csrNamesOp  = [8]string{"", "csrrw", "csrrs", "csrrc", "", "csrrwi", "csrrsi", "csrrci"}
)

// Decode renders a single instruction word. Unknown encodings return name "unknown".
func Decode(word uint32, addr uint64) models.Ins {
	i := Insn(word)
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, word)
	out := &ins{addr: addr, bytes: p, name: "unknown"}
	rd, rs1, rs2 := RegName(i.Rd()), RegName(i.Rs1()), RegName(i.Rs2())
	f3 := i.Funct3()
	switch i.Opcode() {
	case OP_LUI:
		out.name, out.args = "lui", []string{rd, hex(i.ImmU() >> 12 & 0xfffff)}
	case OP_AUIPC:
		out.name, out.args = "auipc", []string{rd, hex(i.ImmU() >> 12 & 0xfffff)}
	case OP_JAL:
		out.name, out.args = "jal", []string{rd, fmt.Sprintf("%#x", addr+uint64(i.ImmJ()))}
	case OP_JALR:
		out.name, out.args = "jalr", []string{rd, mem(i.ImmI(), i.Rs1())}
	case OP_BRANCH:
		if name := branchNames[f3]; name != "" {
			out.name, out.args = name, []string{rs1, rs2, fmt.Sprintf("%#x", addr+uint64(i.ImmB()))}
		}
	case OP_LOAD:
		if name := loadNames[f3]; name != "" {
			out.name, out.args = name, []string{rd, mem(i.ImmI(), i.Rs1())}
		}
	case OP_STORE:
		if name := storeNames[f3]; name != "" {
			out.name, out.args = name, []string{rs2, mem(i.ImmS(), i.Rs1())}
		}
	case OP_IMM, OP_IMM_32:
		name := immNames[f3]
		imm := i.ImmI()
		if f3 == 1 || f3 == 5 {
			if f3 == 5 && i.Funct7()&0x20 != 0 {
				name = "srai"
			}
			imm &= 0x3f
		}
		if i.Opcode() == OP_IMM_32 {
			name += "w"
		}
		out.name, out.args = name, []string{rd, rs1, hex(imm)}
	case OP_OP, OP_OP_32:
		name := opNames[f3]
		if i.Funct7() == 1 {
			name = mulNames[f3]
		} else if i.Funct7() == 0x20 {
			switch f3 {
			case 0:
				name = "sub"
			case 5:
				name = "sra"
			}
		}
		if i.Opcode() == OP_OP_32 {
			name += "w"
		}
		out.name, out.args = name, []string{rd, rs1, rs2}
	case OP_MISC_MEM:
		out.name = "fence"
		if f3 == 1 {
			out.name = "fence.i"
		}
	case OP_SYSTEM:
		decodeSystem(i, out)
	}
	return out
}

func decodeSystem(i Insn, out *ins) {
	if i.IsCsr() {
		out.name = csrNamesOp[i.Funct3()]
		src := RegName(i.Rs1())
		if i.Funct3() >= SYS_CSRRWI {
			src = hex(int64(i.Rs1()))
		}
		out.args = []string{RegName(i.Rd()), CsrName(i.Csr()), src}
		return
	}
	if i.Funct3() != SYS_PRIV {
		return
	}
	switch uint32(i) {
	case INSN_ECALL:
		out.name = "ecall"
		return
	case INSN_EBREAK:
		out.name = "ebreak"
		return
	case INSN_SRET:
		out.name = "sret"
		return
	case INSN_WFI:
		out.name = "wfi"
		return
	}
	if i.Rd() != 0 {
		return
	}
	switch i.Funct7() {
	case FUNCT7_SFENCE_VMA:
		out.name = "sfence.vma"
	case FUNCT7_HFENCE_VVMA:
		out.name = "hfence.vvma"
	case FUNCT7_HFENCE_GVMA:
		out.name = "hfence.gvma"
	default:
		return
	}
	out.args = []string{RegName(i.Rs1()), RegName(i.Rs2())}
}

type Dis struct{}

// Dis decodes mem as a run of 32-bit instructions. A trailing partial word is ignored.
func (d *Dis) Dis(mem []byte, addr uint64) ([]models.Ins, error) {
	var ret []models.Ins
	for off := 0; off+4 <= len(mem); off += 4 {
		word := binary.LittleEndian.Uint32(mem[off:])
		ret = append(ret, Decode(word, addr+uint64(off)))
	}
	return ret, nil
}
