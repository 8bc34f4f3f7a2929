package cpu

import (
	"sort"

	"github.com/pkg/errors"
)

// Regs is a sparse register file keyed by enum. It backs CSR banks, where enums are
// 12-bit CSR numbers and most of the space is unimplemented.
type Regs struct {
	mask uint64
	vals map[int]uint64
}

func NewRegs(bits uint, enums []int) *Regs {
	r := &Regs{
		mask: ^uint64(0) >> (64 - bits),
		vals: make(map[int]uint64, len(enums)),
	}
	for _, e := range enums {
		r.vals[e] = 0
	}
	return r
}

func (r *Regs) Has(enum int) bool {
	_, ok := r.vals[enum]
	return ok
}

func (r *Regs) RegRead(enum int) (uint64, error) {
	val, ok := r.vals[enum]
	if !ok {
		return 0, errors.Errorf("invalid register %#x", enum)
	}
	return val, nil
}

func (r *Regs) RegWrite(enum int, val uint64) error {
	if _, ok := r.vals[enum]; !ok {
		return errors.Errorf("invalid register %#x", enum)
	}
	r.vals[enum] = val & r.mask
	return nil
}

// Enums returns the implemented register enums in ascending order.
func (r *Regs) Enums() []int {
	enums := make([]int, 0, len(r.vals))
	for e := range r.vals {
		enums = append(enums, e)
	}
	sort.Ints(enums)
	return enums
}

func (r *Regs) ContextSave() map[int]uint64 {
	m := make(map[int]uint64, len(r.vals))
	for k, v := range r.vals {
		m[k] = v
	}
	return m
}

func (r *Regs) ContextRestore(ctx map[int]uint64) error {
	for k := range ctx {
		if _, ok := r.vals[k]; !ok {
			return errors.Errorf("context has unknown register %#x", k)
		}
	}
	for k, v := range ctx {
		r.vals[k] = v & r.mask
	}
	return nil
}
