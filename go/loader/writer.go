package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/simplehv/simplehv/go/models"
)

// Prog is one program header for WriteElf.
type Prog struct {
	Type  elf.ProgType
	Vaddr uint64
	Data  []byte
	// Memsz below len(Data) is raised to len(Data).
	Memsz uint64
	Flags models.MappingFlags
}

func elfFlags(f models.MappingFlags) uint32 {
	var ret elf.ProgFlag
	if f&models.MAP_READ != 0 {
		ret |= elf.PF_R
	}
	if f&models.MAP_WRITE != 0 {
		ret |= elf.PF_W
	}
	if f&models.MAP_EXEC != 0 {
		ret |= elf.PF_X
	}
	return uint32(ret)
}

// WriteElf emits a little-endian ELF64 RISC-V executable with the given program headers.
func WriteElf(w io.Writer, entry uint64, progs []Prog) error {
	if len(progs) == 0 {
		return errors.New("no program headers")
	}
	var buf bytes.Buffer
	s := &models.StrucStream{Stream: &buf, Order: binary.LittleEndian}
	ident := elfIdent{
		Magic:   string(elfMagic),
		Class:   uint8(elf.ELFCLASS64),
		Data:    uint8(elf.ELFDATA2LSB),
		Version: uint8(elf.EV_CURRENT),
		OSABI:   uint8(elf.ELFOSABI_NONE),
	}
	hdr := elfHeader{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     elf64HeaderSize,
		Ehsize:    elf64HeaderSize,
		Phentsize: elf64PhdrSize,
		Phnum:     uint16(len(progs)),
	}
	if err := s.Pack(&ident, &hdr); err != nil {
		return errors.Wrap(err, "pack elf header")
	}
	off := roundUp(elf64HeaderSize+uint64(len(progs))*elf64PhdrSize, 16)
	for _, p := range progs {
		size := uint64(len(p.Data))
		memsz := p.Memsz
		if memsz < size {
			memsz = size
		}
		prog := elfProg{
			Type:   uint32(p.Type),
			Flags:  elfFlags(p.Flags),
			Off:    off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Vaddr,
			Filesz: size,
			Memsz:  memsz,
			Align:  pageSize,
		}
		if err := s.Pack(&prog); err != nil {
			return errors.Wrap(err, "pack program header")
		}
		off = roundUp(off+size, 16)
	}
	for _, p := range progs {
		pad := roundUp(uint64(buf.Len()), 16) - uint64(buf.Len())
		buf.Write(make([]byte, pad))
		buf.Write(p.Data)
	}
	_, err := buf.WriteTo(w)
	return errors.WithStack(err)
}
