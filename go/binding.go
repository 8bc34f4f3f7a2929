package simplehv

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/mm"
	"github.com/simplehv/simplehv/go/models"
)

// Binding programs guest address translation for one address space. The address
// space's table is the guest's stage-1 table and also the stage-2 table, so every
// guest physical page the guest can reach needs an identity mapping in it.
type Binding struct {
	as     *mm.AddrSpace
	hart   models.Hart
	policy string
	log    logrus.FieldLogger

	identity map[uint64]bool
}

func NewBinding(as *mm.AddrSpace, hart models.Hart, policy string, log logrus.FieldLogger) *Binding {
	return &Binding{as: as, hart: hart, policy: policy, log: log, identity: make(map[uint64]bool)}
}

// IdentityMap maps every page of [pa, pa+size) to itself. A page already mapped to
// itself is left alone; a page mapped anywhere else is a configuration error.
func (b *Binding) IdentityMap(pa, size uint64) error {
	end := pa + size
	for page := pa &^ (mm.PageSize - 1); page < end; page += mm.PageSize {
		if b.identity[page] {
			continue
		}
		got, _, _, err := b.as.Query(page)
		if err == nil {
			if got != page {
				return newError(ConfigError, errors.Errorf("identity map %#x: already mapped to %#x", page, got))
			}
			b.identity[page] = true
			continue
		}
		if errors.Cause(err) != mm.ErrNotMapped {
			return newError(MemoryError, errors.Wrapf(err, "query %#x", page))
		}
		if err := b.as.MapLinear(page, page, mm.PageSize, models.MAP_RWXU); err != nil {
			if errors.Cause(err) == mm.ErrAlreadyExists {
				return newError(ConfigError, errors.Wrapf(err, "identity map %#x", page))
			}
			return newError(MemoryError, errors.Wrapf(err, "identity map %#x", page))
		}
		b.identity[page] = true
	}
	return nil
}

// mapBacking identity maps the frames behind every allocated region, then every
// page table frame. Mapping can allocate new table frames, so repeat until stable.
func (b *Binding) mapBacking() error {
	var backing []uint64
	for _, r := range b.as.Regions() {
		if r.Linear {
			continue
		}
		for va := r.Start; va < r.End; va += mm.PageSize {
			pa, _, _, err := b.as.Query(va)
			if err != nil {
				// lazy pages the loader never touched have no frame yet
				continue
			}
			backing = append(backing, pa)
		}
	}
	for _, pa := range backing {
		if err := b.IdentityMap(pa, mm.PageSize); err != nil {
			return err
		}
	}
	for {
		added := 0
		for _, f := range b.as.PageTable().Frames() {
			if b.identity[f] {
				continue
			}
			if err := b.IdentityMap(f, mm.PageSize); err != nil {
				return err
			}
			added++
		}
		if added == 0 {
			break
		}
	}
	b.log.Infof("identity mapped %d pages", len(b.identity))
	return nil
}

// Configure binds translation for a guest entering at entry and initializes ctx.
// hgatp is written and fenced before Configure returns, ahead of any guest entry.
func (b *Binding) Configure(entry uint64, ctx *models.VmCpuRegisters) error {
	if err := b.mapBacking(); err != nil {
		return err
	}
	entryPA, flags, size, err := b.as.Query(entry)
	if err != nil {
		return newError(ConfigError, errors.Wrapf(err, "entry %#x has no mapping", entry))
	}
	b.log.Infof("entry %#x mapped to gpa %#x, flags %s, size %#x", entry, entryPA, flags, size)

	root := b.as.PageTableRoot()
	hgatp := riscv.MakeATP(riscv.ATP_MODE_SV39, root)
	if err := b.hart.WriteCSR(riscv.CSR_HGATP, hgatp); err != nil {
		return errors.Wrap(err, "write hgatp")
	}
	if err := b.hart.HfenceGVMA(); err != nil {
		return errors.Wrap(err, "hfence.gvma")
	}
	b.log.Infof("hgatp = %#x", hgatp)

	hstatus, err := b.hart.ReadCSR(riscv.CSR_HSTATUS)
	if err != nil {
		return errors.Wrap(err, "read hstatus")
	}
	hstatus |= riscv.HSTATUS_SPV | riscv.HSTATUS_SPVP
	if err := b.hart.WriteCSR(riscv.CSR_HSTATUS, hstatus); err != nil {
		return errors.Wrap(err, "write hstatus")
	}
	sstatus, err := b.hart.ReadCSR(riscv.CSR_SSTATUS)
	if err != nil {
		return errors.Wrap(err, "read sstatus")
	}

	*ctx = models.VmCpuRegisters{}
	ctx.Guest.Hstatus = hstatus
	switch b.policy {
	case models.Stage1Disabled:
		ctx.Guest.Sstatus = sstatus | riscv.SSTATUS_SPP
		ctx.Guest.Sepc = entryPA
		ctx.VS.Vsatp = 0
		b.log.Info("vsatp disabled, guest runs on guest physical addresses")
	case models.Stage1Enabled:
		// loaded pages carry U, so the guest has to run in VU-mode
		ctx.Guest.Sstatus = sstatus &^ riscv.SSTATUS_SPP
		ctx.Guest.Sepc = entry
		ctx.VS.Vsatp = riscv.MakeATP(riscv.ATP_MODE_SV39, root)
		b.log.Infof("vsatp = %#x", ctx.VS.Vsatp)
	default:
		return newError(ConfigError, errors.Errorf("unknown stage1 policy %q", b.policy))
	}
	return nil
}
