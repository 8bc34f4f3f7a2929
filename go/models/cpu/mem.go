package cpu

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Mem wraps MemSim with an address-width check, byte order, and hook dispatch.
type Mem struct {
	bits uint
	// methods return an error for addresses that do not fit inside mask
	mask uint64
	// set when passing *Mem to NewHooks()
	hooks *Hooks
	sim   *MemSim

	order binary.ByteOrder
}

func NewMem(bits uint, order binary.ByteOrder) *Mem {
	return &Mem{
		bits:  bits,
		mask:  ^uint64(0) >> (64 - bits),
		sim:   &MemSim{},
		order: order,
	}
}

func (m *Mem) ByteOrder() binary.ByteOrder {
	return m.order
}

func (m *Mem) inRange(addr, size uint64) bool {
	end := addr + size - 1
	return end >= addr && end&m.mask == end
}

// MemMapData maps caller-owned backing storage at addr.
func (m *Mem) MemMapData(addr uint64, data []byte, prot int, desc string) error {
	if !m.inRange(addr, uint64(len(data))) {
		return errors.Errorf("region %#x+%#x outside memory range", addr, len(data))
	}
	_, err := m.sim.Map(addr, data, prot, desc)
	return err
}

func (m *Mem) MemMapProt(addr, size uint64, prot int) error {
	return m.MemMapData(addr, make([]byte, size), prot, "")
}

func (m *Mem) MemUnmap(addr uint64) error {
	_, err := m.sim.Unmap(addr)
	return err
}

func (m *Mem) Mappings() Pages {
	return m.sim.Mem
}

func (m *Mem) MemReadInto(p []byte, addr uint64) error {
	return m.sim.Read(addr, p, 0)
}

func (m *Mem) MemRead(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	if err := m.MemReadInto(p, addr); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Mem) MemWrite(addr uint64, p []byte) error {
	return m.sim.Write(addr, p, 0)
}

// ReadProt reads while checking protections and dispatching hooks, for interpreters.
func (m *Mem) ReadProt(addr, size uint64, prot int) ([]byte, error) {
	p := make([]byte, size)
	if err := m.sim.Read(addr, p, prot); err != nil {
		if merr, ok := err.(*MemError); ok && m.hooks != nil {
			m.hooks.OnFault(merr.Enum, addr, int(size), 0)
		}
		return nil, err
	}
	if m.hooks != nil {
		if prot&PROT_EXEC == PROT_EXEC {
			m.hooks.OnMem(MEM_FETCH, addr, int(size), 0)
		} else {
			m.hooks.OnMem(MEM_READ, addr, int(size), 0)
		}
	}
	return p, nil
}

func (m *Mem) ReadUint(addr uint64, size, prot int) (uint64, error) {
	if size > 8 {
		return 0, errors.Errorf("ReadUint size too large: %d > 8", size)
	}
	p, err := m.ReadProt(addr, uint64(size), prot)
	if err != nil {
		return 0, err
	}
	switch size {
	case 8:
		return m.order.Uint64(p), nil
	case 4:
		return uint64(m.order.Uint32(p)), nil
	case 2:
		return uint64(m.order.Uint16(p)), nil
	case 1:
		return uint64(p[0]), nil
	}
	return 0, errors.Errorf("unsupported uint size: %d", size)
}

// write hooks only trigger here, as WriteProt-style raw writes have no value to report
func (m *Mem) WriteUint(addr uint64, size, prot int, val uint64) error {
	var buf [8]byte
	switch size {
	case 8:
		m.order.PutUint64(buf[:], val)
	case 4:
		m.order.PutUint32(buf[:], uint32(val))
	case 2:
		m.order.PutUint16(buf[:], uint16(val))
	case 1:
		buf[0] = byte(val)
	default:
		return errors.Errorf("unsupported uint size: %d", size)
	}
	err := m.sim.Write(addr, buf[:size], prot)
	if err != nil {
		if merr, ok := err.(*MemError); ok && m.hooks != nil {
			m.hooks.OnFault(merr.Enum, addr, size, int64(val))
		}
	} else if m.hooks != nil {
		m.hooks.OnMem(MEM_WRITE, addr, size, int64(val))
	}
	return err
}
