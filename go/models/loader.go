package models

// Loader is a parsed guest image.
type Loader interface {
	// Format is "elf" or "flat".
	Format() string
	Entry() uint64
	// Interp is the PT_INTERP path of an ELF image. It is reported, never loaded.
	Interp() string
	Segments() ([]SegmentData, error)
}

// MappingFlags are the permissions of a guest mapping.
type MappingFlags uint8

const (
	MAP_READ MappingFlags = 1 << iota
	MAP_WRITE
	MAP_EXEC
	MAP_USER
)

const MAP_RWXU = MAP_READ | MAP_WRITE | MAP_EXEC | MAP_USER

func (f MappingFlags) String() string {
	out := []byte("----")
	for i, c := range "rwxu" {
		if f&(1<<uint(i)) != 0 {
			out[i] = byte(c)
		}
	}
	return string(out)
}

// AddressSpace is the guest memory a loader populates and a binding configures.
type AddressSpace interface {
	MapAlloc(va, size uint64, flags MappingFlags, populate bool) error
	MapLinear(va, pa, size uint64, flags MappingFlags) error
	Read(va uint64, p []byte) error
	Write(va uint64, p []byte) error
	// Query returns the physical address, flags and page size of the mapping at va.
	Query(va uint64) (pa uint64, flags MappingFlags, size uint64, err error)
	PageTableRoot() uint64
}
