package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/simplehv/simplehv/go/models"
)

var elfMagic = []byte{0x7f, 0x45, 0x4c, 0x46}

const (
	elfIdentSize    = 16
	elf32HeaderSize = 52
	elf64HeaderSize = 64
	elf32PhdrSize   = 32
	elf64PhdrSize   = 56
	// the program header table must fit in one page
	maxPhdrTable = pageSize
	maxInterp    = pageSize
)

type elfIdent struct {
	Magic      string `struc:"[4]byte"`
	Class      uint8
	Data       uint8
	Version    uint8
	OSABI      uint8
	ABIVersion uint8
	Pad        []byte `struc:"[7]pad"`
}

// elfHeader is decoded from either class; 32-bit fields widen on unpack.
type elfHeader struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elfHeader32 struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64 `struc:"uint32"`
	Phoff     uint64 `struc:"uint32"`
	Shoff     uint64 `struc:"uint32"`
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elfProg struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// the 32-bit layout moves Flags after Memsz
type elfProg32 struct {
	Type   uint32
	Off    uint64 `struc:"uint32"`
	Vaddr  uint64 `struc:"uint32"`
	Paddr  uint64 `struc:"uint32"`
	Filesz uint64 `struc:"uint32"`
	Memsz  uint64 `struc:"uint32"`
	Flags  uint32
	Align  uint64 `struc:"uint32"`
}

type ElfLoader struct {
	LoaderHeader
	r     io.ReadSeeker
	bits  int
	size  uint64
	order binary.ByteOrder
	progs []elfProg
}

func MatchElf(r io.ReadSeeker) bool {
	magic, err := getMagic(r)
	return err == nil && bytes.Equal(magic, elfMagic)
}

func NewElfLoader(r io.ReadSeeker) (*ElfLoader, error) {
	prefix := make([]byte, elf64HeaderSize)
	if err := readAt(r, prefix[:elfIdentSize], 0); err != nil {
		return nil, errors.Wrap(ErrBadHeader, err.Error())
	}
	var ident elfIdent
	s := &models.StrucStream{Stream: bytes.NewBuffer(prefix[:elfIdentSize]), Order: binary.LittleEndian}
	if err := s.Unpack(&ident); err != nil {
		return nil, errors.Wrap(ErrBadHeader, err.Error())
	}
	e := &ElfLoader{r: r, LoaderHeader: LoaderHeader{format: "elf"}}
	switch elf.Data(ident.Data) {
	case elf.ELFDATA2LSB:
		e.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		e.order = binary.BigEndian
	default:
		return nil, errors.Wrapf(ErrBadHeader, "data encoding %d", ident.Data)
	}
	var hdr elfHeader
	var phentsize uint16
	switch elf.Class(ident.Class) {
	case elf.ELFCLASS32:
		e.bits, phentsize = 32, elf32PhdrSize
		if err := readAt(r, prefix[:elf32HeaderSize], 0); err != nil {
			return nil, errors.Wrap(ErrBadHeader, err.Error())
		}
		var h32 elfHeader32
		s = &models.StrucStream{Stream: bytes.NewBuffer(prefix[elfIdentSize:elf32HeaderSize]), Order: e.order}
		if err := s.Unpack(&h32); err != nil {
			return nil, errors.Wrap(ErrBadHeader, err.Error())
		}
		hdr = elfHeader(h32)
	case elf.ELFCLASS64:
		e.bits, phentsize = 64, elf64PhdrSize
		if err := readAt(r, prefix, 0); err != nil {
			return nil, errors.Wrap(ErrBadHeader, err.Error())
		}
		s = &models.StrucStream{Stream: bytes.NewBuffer(prefix[elfIdentSize:]), Order: e.order}
		if err := s.Unpack(&hdr); err != nil {
			return nil, errors.Wrap(ErrBadHeader, err.Error())
		}
	default:
		return nil, errors.Wrapf(ErrBadHeader, "class %d", ident.Class)
	}
	if elf.Machine(hdr.Machine) != elf.EM_RISCV {
		return nil, errors.Wrapf(ErrBadHeader, "machine %s", elf.Machine(hdr.Machine))
	}
	if hdr.Phentsize != phentsize {
		return nil, errors.Wrapf(ErrBadPhdr, "entry size %d for %d-bit image", hdr.Phentsize, e.bits)
	}
	tableSize := uint64(hdr.Phnum) * uint64(hdr.Phentsize)
	if tableSize == 0 || tableSize > maxPhdrTable {
		return nil, errors.Wrapf(ErrBadPhdr, "table size %d", tableSize)
	}
	e.entry = hdr.Entry
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "seek")
	}
	e.size = uint64(end)
	if err := e.readProgs(hdr.Phoff, int(hdr.Phnum), tableSize); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ElfLoader) readProgs(off uint64, count int, size uint64) error {
	table := make([]byte, size)
	if err := readAt(e.r, table, off); err != nil {
		return errors.Wrap(err, "read program headers")
	}
	s := &models.StrucStream{Stream: bytes.NewBuffer(table), Order: e.order}
	for i := 0; i < count; i++ {
		var prog elfProg
		if e.bits == 32 {
			var p32 elfProg32
			if err := s.Unpack(&p32); err != nil {
				return errors.Wrap(ErrBadPhdr, err.Error())
			}
			prog = elfProg{p32.Type, p32.Flags, p32.Off, p32.Vaddr, p32.Paddr, p32.Filesz, p32.Memsz, p32.Align}
		} else if err := s.Unpack(&prog); err != nil {
			return errors.Wrap(ErrBadPhdr, err.Error())
		}
		if prog.Off+prog.Filesz < prog.Off {
			return errors.Wrapf(ErrBadPhdr, "segment %d: file range %#x+%#x wraps", i, prog.Off, prog.Filesz)
		}
		switch elf.ProgType(prog.Type) {
		case elf.PT_LOAD:
			if prog.Memsz < prog.Filesz {
				return errors.Wrapf(ErrBadPhdr, "segment %d: memsz %#x < filesz %#x", i, prog.Memsz, prog.Filesz)
			}
			if end := prog.Vaddr + prog.Memsz; end < prog.Vaddr || end+pageSize-1 < end {
				return errors.Wrapf(ErrBadPhdr, "segment %d: address range %#x+%#x wraps", i, prog.Vaddr, prog.Memsz)
			}
			if prog.Off+prog.Filesz > e.size {
				return errors.Wrapf(ErrShortRead, "segment %d: file range ends at %#x, image is %#x bytes", i, prog.Off+prog.Filesz, e.size)
			}
			e.progs = append(e.progs, prog)
		case elf.PT_INTERP:
			// recorded for diagnostics only; dynamic linking is not supported
			if prog.Filesz > maxInterp {
				return errors.Wrapf(ErrBadPhdr, "interpreter path of %#x bytes", prog.Filesz)
			}
			name := make([]byte, prog.Filesz)
			if err := readAt(e.r, name, prog.Off); err != nil {
				return errors.Wrap(err, "read interpreter path")
			}
			e.interp = strings.TrimRight(string(name), "\x00")
		}
	}
	return nil
}

func progFlags(flags uint32) models.MappingFlags {
	var ret models.MappingFlags
	if elf.ProgFlag(flags)&elf.PF_R != 0 {
		ret |= models.MAP_READ
	}
	if elf.ProgFlag(flags)&elf.PF_W != 0 {
		ret |= models.MAP_WRITE
	}
	if elf.ProgFlag(flags)&elf.PF_X != 0 {
		ret |= models.MAP_EXEC
	}
	return ret
}

// Segments returns the PT_LOAD entries. Data reads exactly Filesz bytes from the image.
func (e *ElfLoader) Segments() ([]models.SegmentData, error) {
	ret := make([]models.SegmentData, 0, len(e.progs))
	for _, prog := range e.progs {
		prog := prog
		ret = append(ret, models.SegmentData{
			Off:      prog.Off,
			Addr:     prog.Vaddr,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
			Prot:     int(progFlags(prog.Flags)),
			DataFunc: func() ([]byte, error) {
				data := make([]byte, prog.Filesz)
				if err := readAt(e.r, data, prog.Off); err != nil {
					return nil, err
				}
				return data, nil
			},
		})
	}
	return ret, nil
}
