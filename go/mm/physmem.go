package mm

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/simplehv/simplehv/go/models/cpu"
)

const (
	PageSize  = 0x1000
	PageShift = 12
)

var (
	ErrNoMemory      = errors.New("out of physical memory")
	ErrAlreadyExists = errors.New("mapping already exists")
	ErrNotMapped     = errors.New("address not mapped")
	ErrAlign         = errors.New("address not page aligned")
)

// PhysMem is the host physical RAM the hypervisor hands out to guests, one
// anonymous mmap viewed through a cpu.Mem at its physical base.
type PhysMem struct {
	base, size uint64
	data       []byte
	mem        *cpu.Mem

	next  uint64
	free  []uint64
	inUse int
}

func NewPhysMem(base, size uint64) (*PhysMem, error) {
	if base&(PageSize-1) != 0 || size&(PageSize-1) != 0 || size == 0 {
		return nil, errors.Wrapf(ErrAlign, "ram %#x+%#x", base, size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "mmap host ram")
	}
	mem := cpu.NewMem(64, binary.LittleEndian)
	if err := mem.MemMapData(base, data, cpu.PROT_ALL, "ram"); err != nil {
		unix.Munmap(data)
		return nil, err
	}
	return &PhysMem{base: base, size: size, data: data, mem: mem, next: base}, nil
}

func (p *PhysMem) Base() uint64 { return p.base }
func (p *PhysMem) Size() uint64 { return p.size }

// Mem exposes the physical view for harts that attach hooks or read by prot.
func (p *PhysMem) Mem() *cpu.Mem { return p.mem }

func (p *PhysMem) Contains(pa, size uint64) bool {
	return pa >= p.base && size <= p.size && pa-p.base <= p.size-size
}

// Slice returns the backing bytes of [pa, pa+size).
func (p *PhysMem) Slice(pa, size uint64) ([]byte, error) {
	if !p.Contains(pa, size) {
		return nil, &cpu.MemError{Addr: pa, Size: int(size), Enum: cpu.MEM_READ_UNMAPPED}
	}
	off := pa - p.base
	return p.data[off : off+size : off+size], nil
}

// AllocFrame returns a zeroed 4 KiB frame.
func (p *PhysMem) AllocFrame() (uint64, error) {
	if n := len(p.free); n > 0 {
		pa := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse++
		return pa, p.zero(pa, PageSize)
	}
	return p.AllocContig(1, PageSize)
}

// AllocContig returns n zeroed contiguous frames aligned to align bytes.
// Contiguous allocations come from the bump region only.
func (p *PhysMem) AllocContig(n int, align uint64) (uint64, error) {
	if align < PageSize || align&(align-1) != 0 {
		return 0, errors.Errorf("bad frame alignment %#x", align)
	}
	pa := (p.next + align - 1) &^ (align - 1)
	size := uint64(n) * PageSize
	if n <= 0 || !p.Contains(pa, size) {
		return 0, errors.Wrapf(ErrNoMemory, "alloc %d frames", n)
	}
	// frames skipped for alignment go to the free list
	for skip := p.next; skip < pa; skip += PageSize {
		p.free = append(p.free, skip)
	}
	p.next = pa + size
	p.inUse += n
	return pa, p.zero(pa, size)
}

func (p *PhysMem) FreeFrame(pa uint64) {
	p.free = append(p.free, pa&^(PageSize-1))
	p.inUse--
}

// InUse is the number of allocated frames.
func (p *PhysMem) InUse() int { return p.inUse }

func (p *PhysMem) zero(pa, size uint64) error {
	b, err := p.Slice(pa, size)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = 0
	}
	return nil
}

func (p *PhysMem) Read(pa uint64, b []byte) error {
	return p.mem.MemReadInto(b, pa)
}

func (p *PhysMem) Write(pa uint64, b []byte) error {
	return p.mem.MemWrite(pa, b)
}

// ReadUint and WriteUint bypass hooks; they are the hypervisor's own accesses.
func (p *PhysMem) ReadUint(pa uint64, size int) (uint64, error) {
	b, err := p.Slice(pa, uint64(size))
	if err != nil {
		return 0, err
	}
	switch size {
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	}
	return 0, errors.Errorf("unsupported uint size: %d", size)
}

func (p *PhysMem) WriteUint(pa uint64, size int, val uint64) error {
	b, err := p.Slice(pa, uint64(size))
	if err != nil {
		return err
	}
	switch size {
	case 8:
		binary.LittleEndian.PutUint64(b, val)
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(val))
	default:
		return errors.Errorf("unsupported uint size: %d", size)
	}
	return nil
}

func (p *PhysMem) String() string {
	return fmt.Sprintf("ram %#x-%#x (%d frames in use)", p.base, p.base+p.size, p.inUse)
}

func (p *PhysMem) Close() error {
	if p.data == nil {
		return nil
	}
	err := unix.Munmap(p.data)
	p.data = nil
	return errors.Wrap(err, "munmap host ram")
}
