//go:build unicorn

package unicorn

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/mm"
	"github.com/simplehv/simplehv/go/models"
	"github.com/simplehv/simplehv/go/models/cpu"
)

type Options struct {
	CaptureHtinst bool
	MaxSteps      uint64
	HartID        uint64
}

type fault struct {
	cause    riscv.Exception
	tval     uint64
	gpa      uint64
	gpaValid bool
	insn     uint32
}

// Hart runs the guest on Unicorn. Unicorn has no hypervisor extension, so guest memory is
// presented flat: each page the guest touches is resolved through vsatp and hgatp here and
// mapped at its guest address, backed directly by host physical memory. Unicorn executes at
// M-level, so privileged instructions are screened before they run.
type Hart struct {
	uc.Unicorn

	phys *mm.PhysMem
	opts Options

	csr        map[int]uint64
	hgatpStale bool
	// guest pages currently mapped into unicorn
	mapped map[uint64]struct{}
	vsatp  uint64

	prv   int
	pc    uint64
	fault *fault
}

var _ models.Hart = (*Hart)(nil)
var _ cpu.Cpu = (*Hart)(nil)

func New(phys *mm.PhysMem, opts Options) (*Hart, error) {
	u, err := uc.NewUnicorn(uc.ARCH_RISCV, uc.MODE_RISCV64)
	if err != nil {
		return nil, errors.Wrap(err, "NewUnicorn() failed")
	}
	h := &Hart{
		Unicorn: u,
		phys:    phys,
		opts:    opts,
		csr:     make(map[int]uint64),
		mapped:  make(map[uint64]struct{}),
	}
	h.csr[riscv.CSR_MHARTID] = opts.HartID
	if _, err := u.HookAdd(uc.HOOK_CODE, h.screen, 1, 0); err != nil {
		u.Close()
		return nil, errors.Wrap(err, "code hook")
	}
	mask := uc.HOOK_MEM_READ_UNMAPPED | uc.HOOK_MEM_WRITE_UNMAPPED | uc.HOOK_MEM_FETCH_UNMAPPED |
		uc.HOOK_MEM_READ_PROT | uc.HOOK_MEM_WRITE_PROT | uc.HOOK_MEM_FETCH_PROT
	if _, err := u.HookAdd(mask, h.miss, 1, 0); err != nil {
		u.Close()
		return nil, errors.Wrap(err, "memory hook")
	}
	return h, nil
}

func (h *Hart) ReadCSR(csr int) (uint64, error) {
	return h.csr[csr], nil
}

func (h *Hart) WriteCSR(csr int, val uint64) error {
	if riscv.CsrReadOnly(csr) {
		return errors.Errorf("csr %#x (%s) is not writable", csr, riscv.CsrName(csr))
	}
	if csr == riscv.CSR_HGATP {
		mode := riscv.ATPMode(val)
		if mode != riscv.ATP_MODE_BARE && mode != riscv.ATP_MODE_SV39 {
			return nil
		}
		h.hgatpStale = true
	}
	h.csr[csr] = val
	return nil
}

// HfenceGVMA drops every page mapped into unicorn so later accesses are resolved again.
func (h *Hart) HfenceGVMA() error {
	h.hgatpStale = false
	return h.flush()
}

func (h *Hart) flush() error {
	for page := range h.mapped {
		if err := h.MemUnmap(page, mm.PageSize); err != nil {
			return errors.Wrapf(err, "unmap %#x", page)
		}
		delete(h.mapped, page)
	}
	return nil
}

func (h *Hart) ReadPhys(pa uint64, p []byte) error {
	return h.phys.Read(pa, p)
}

// HookAdd accepts code hooks in the cpu.Cpu callback form.
func (h *Hart) HookAdd(htype int, cb interface{}, start uint64, end uint64) (cpu.Hook, error) {
	if htype != cpu.HOOK_CODE {
		return nil, errors.Errorf("unsupported hook type %d", htype)
	}
	cbc := cb.(func(cpu.Cpu, uint64, uint32))
	wrap := func(_ uc.Unicorn, addr uint64, size uint32) { cbc(h, addr, size) }
	return h.Unicorn.HookAdd(uc.HOOK_CODE, wrap, start, end)
}

func (h *Hart) HookDel(hh cpu.Hook) error {
	return h.Unicorn.HookDel(hh.(uc.Hook))
}

func (h *Hart) Close() error {
	return h.Unicorn.Close()
}

func (h *Hart) EnterGuest(ctx *models.VmCpuRegisters) error {
	if h.hgatpStale {
		return errors.New("hgatp written without hfence.gvma before guest entry")
	}
	if ctx.Guest.Hstatus&riscv.HSTATUS_SPV == 0 {
		return errors.New("hstatus.SPV clear: sret would not enter the guest")
	}
	if ctx.VS.Vsatp != h.vsatp {
		if err := h.flush(); err != nil {
			return err
		}
		h.vsatp = ctx.VS.Vsatp
	}
	h.csr[riscv.CSR_VSATP] = ctx.VS.Vsatp
	h.csr[riscv.CSR_HSTATUS] = ctx.Guest.Hstatus
	h.csr[riscv.CSR_SSTATUS] = ctx.Guest.Sstatus
	h.prv = riscv.PRV_U
	if ctx.Guest.Sstatus&riscv.SSTATUS_SPP != 0 {
		h.prv = riscv.PRV_S
	}
	for i := 1; i < 32; i++ {
		if err := h.RegWrite(uc.RISCV_REG_X0+i, ctx.Guest.Gprs[i]); err != nil {
			return errors.Wrapf(err, "write x%d", i)
		}
	}
	h.fault = nil
	h.pc = ctx.Guest.Sepc

	err := h.StartWithOptions(ctx.Guest.Sepc, ^uint64(0), &uc.UcOptions{Count: h.opts.MaxSteps})
	if h.fault == nil {
		if ucErr, ok := err.(uc.UcError); ok && ucErr == uc.ERR_INSN_INVALID {
			word, _ := h.word(h.pc)
			h.fault = &fault{cause: riscv.IllegalInstruction, tval: uint64(word), insn: word}
		} else if err != nil {
			return errors.Wrapf(err, "unicorn stopped at pc %#x", h.pc)
		} else {
			return errors.Errorf("instruction budget of %d exhausted at pc %#x", h.opts.MaxSteps, h.pc)
		}
	}
	h.latch(h.fault)

	for i := 1; i < 32; i++ {
		v, err := h.RegRead(uc.RISCV_REG_X0 + i)
		if err != nil {
			return errors.Wrapf(err, "read x%d", i)
		}
		ctx.Guest.Gprs[i] = v
	}
	ctx.Guest.Gprs[0] = 0
	ctx.Guest.Sstatus = h.csr[riscv.CSR_SSTATUS]
	ctx.Guest.Hstatus = h.csr[riscv.CSR_HSTATUS]
	ctx.Guest.Sepc = h.csr[riscv.CSR_SEPC]
	ctx.Trap = models.TrapEvent{
		Cause:  h.csr[riscv.CSR_SCAUSE],
		Stval:  h.csr[riscv.CSR_STVAL],
		Htval:  h.csr[riscv.CSR_HTVAL],
		Htinst: h.csr[riscv.CSR_HTINST],
	}
	return nil
}

func (h *Hart) latch(f *fault) {
	h.csr[riscv.CSR_SCAUSE] = uint64(f.cause)
	h.csr[riscv.CSR_STVAL] = f.tval
	h.csr[riscv.CSR_SEPC] = h.pc
	h.csr[riscv.CSR_HTVAL] = 0
	if f.gpaValid {
		h.csr[riscv.CSR_HTVAL] = f.gpa >> 2
	}
	h.csr[riscv.CSR_HTINST] = 0
	if h.opts.CaptureHtinst {
		h.csr[riscv.CSR_HTINST] = uint64(f.insn)
	}
	sstatus := h.csr[riscv.CSR_SSTATUS] &^ riscv.SSTATUS_SPP
	hstatus := h.csr[riscv.CSR_HSTATUS]&^(riscv.HSTATUS_SPVP|riscv.HSTATUS_GVA) | riscv.HSTATUS_SPV
	if h.prv == riscv.PRV_S {
		sstatus |= riscv.SSTATUS_SPP
		hstatus |= riscv.HSTATUS_SPVP
	}
	if f.cause.IsGuestPageFault() || f.cause == riscv.LoadPageFault || f.cause == riscv.StorePageFault ||
		f.cause == riscv.InstructionPageFault {
		hstatus |= riscv.HSTATUS_GVA
	}
	h.csr[riscv.CSR_SSTATUS] = sstatus
	h.csr[riscv.CSR_HSTATUS] = hstatus
}

func (h *Hart) word(addr uint64) (uint32, error) {
	b, err := h.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// screen runs before every guest instruction and turns the ones a virtualized hart
// would trap on into VM exits.
func (h *Hart) screen(mu uc.Unicorn, addr uint64, size uint32) {
	h.pc = addr
	word, err := h.word(addr)
	if err != nil {
		return
	}
	insn := riscv.Insn(word)
	var f *fault
	switch {
	case word == riscv.INSN_ECALL:
		cause := riscv.UserEnvCall
		if h.prv == riscv.PRV_S {
			cause = riscv.VirtualSupervisorEnvCall
		}
		f = &fault{cause: cause, insn: word}
	case word == riscv.INSN_EBREAK:
		f = &fault{cause: riscv.Breakpoint, tval: addr, insn: word}
	case word == riscv.INSN_SRET || word == riscv.INSN_WFI:
		f = &fault{cause: riscv.VirtualInstruction, tval: uint64(word), insn: word}
	case insn.IsCsr():
		level := riscv.CsrLevel(insn.Csr())
		if level > h.prv || level > riscv.PRV_S {
			f = &fault{cause: riscv.IllegalInstruction, tval: uint64(word), insn: word}
		}
	}
	if f != nil {
		h.fault = f
		mu.RegWrite(uc.RISCV_REG_PC, addr)
		mu.Stop()
	}
}

type access int

const (
	accFetch access = iota
	accLoad
	accStore
)

func accessOf(kind int) access {
	switch kind {
	case uc.MEM_FETCH_UNMAPPED, uc.MEM_FETCH_PROT:
		return accFetch
	case uc.MEM_WRITE_UNMAPPED, uc.MEM_WRITE_PROT:
		return accStore
	}
	return accLoad
}

func (a access) causes() (page, guest riscv.Exception) {
	switch a {
	case accFetch:
		return riscv.InstructionPageFault, riscv.InstructionGuestPageFault
	case accStore:
		return riscv.StorePageFault, riscv.StoreGuestPageFault
	}
	return riscv.LoadPageFault, riscv.LoadGuestPageFault
}

func allows(pte uint64, acc access) bool {
	switch acc {
	case accFetch:
		return pte&riscv.PTE_X != 0
	case accStore:
		return pte&riscv.PTE_W != 0
	}
	return pte&riscv.PTE_R != 0
}

func protOf(pte uint64) int {
	prot := 0
	if pte&riscv.PTE_R != 0 {
		prot |= uc.PROT_READ
	}
	if pte&riscv.PTE_W != 0 {
		prot |= uc.PROT_WRITE
	}
	if pte&riscv.PTE_X != 0 {
		prot |= uc.PROT_EXEC
	}
	return prot
}

// leaf walks one 4 KiB Sv39 (or Sv39x4 when wide) table and returns the leaf PTE.
// read resolves each table address to host physical memory.
func (h *Hart) leaf(root, addr uint64, wide bool, read func(uint64) (uint64, bool)) (uint64, bool) {
	table := root
	for level := riscv.Sv39Levels - 1; level >= 0; level-- {
		idx := uint64(riscv.Sv39Index(addr, level))
		if wide && level == riscv.Sv39Levels-1 {
			idx = addr >> 30 & 0x7ff
		}
		hpa, ok := read(table + idx*8)
		if !ok {
			return 0, false
		}
		pte, err := h.phys.ReadUint(hpa, 8)
		if err != nil || pte&riscv.PTE_V == 0 {
			return 0, false
		}
		if riscv.PTELeaf(pte) {
			return pte, level == 0
		}
		table = riscv.PTEAddr(pte)
	}
	return 0, false
}

func (h *Hart) gstage(gpa uint64) (uint64, uint64, bool) {
	hgatp := h.csr[riscv.CSR_HGATP]
	if riscv.ATPMode(hgatp) == riscv.ATP_MODE_BARE {
		return gpa, riscv.PTE_R | riscv.PTE_W | riscv.PTE_X, true
	}
	if gpa>>riscv.Sv39x4PABits != 0 {
		return 0, 0, false
	}
	direct := func(pa uint64) (uint64, bool) { return pa, true }
	pte, ok := h.leaf(riscv.ATPRoot(hgatp), gpa, true, direct)
	if !ok || pte&riscv.PTE_U == 0 {
		return 0, 0, false
	}
	return riscv.PTEAddr(pte) | gpa&0xfff, riscv.PTEFlags(pte), true
}

// resolve translates the guest page holding va for acc. It returns the host page and
// the combined protection, or the fault the guest takes.
func (h *Hart) resolve(va uint64, acc access) (uint64, int, *fault) {
	pageCause, guestCause := acc.causes()
	gpa, vsPerm := va, uint64(riscv.PTE_R|riscv.PTE_W|riscv.PTE_X)
	if riscv.ATPMode(h.vsatp) != riscv.ATP_MODE_BARE {
		var tableFault *fault
		read := func(pteGPA uint64) (uint64, bool) {
			hpa, _, ok := h.gstage(pteGPA)
			if !ok {
				tableFault = &fault{cause: guestCause, tval: va, gpa: pteGPA, gpaValid: true}
			}
			return hpa, ok
		}
		pte, ok := h.leaf(riscv.ATPRoot(h.vsatp), va, false, read)
		if tableFault != nil {
			return 0, 0, tableFault
		}
		user := pte&riscv.PTE_U != 0
		if !ok || !allows(pte, acc) || h.prv == riscv.PRV_U && !user || h.prv == riscv.PRV_S && user && acc == accFetch {
			return 0, 0, &fault{cause: pageCause, tval: va}
		}
		gpa = riscv.PTEAddr(pte) | va&0xfff
		vsPerm = riscv.PTEFlags(pte)
	}
	hpa, gPerm, ok := h.gstage(gpa)
	if !ok || !allows(gPerm, acc) {
		return 0, 0, &fault{cause: guestCause, tval: va, gpa: gpa, gpaValid: true}
	}
	return hpa &^ 0xfff, protOf(vsPerm & gPerm), nil
}

// miss maps the page behind an unmapped access, or records the fault and stops.
func (h *Hart) miss(mu uc.Unicorn, kind int, addr uint64, size int, value int64) bool {
	acc := accessOf(kind)
	page := addr &^ 0xfff
	hpa, prot, f := h.resolve(addr, acc)
	if f == nil {
		buf, err := h.phys.Slice(hpa, mm.PageSize)
		if err == nil {
			if _, ok := h.mapped[page]; ok {
				err = mu.MemUnmap(page, mm.PageSize)
			}
			if err == nil {
				err = mu.MemMapPtr(page, mm.PageSize, prot, unsafe.Pointer(&buf[0]))
			}
		}
		if err == nil {
			h.mapped[page] = struct{}{}
			return true
		}
		cause, _ := acc.causes()
		f = &fault{cause: cause, tval: addr}
	}
	if acc != accFetch {
		if word, err := h.word(h.pc); err == nil {
			f.insn = word
		}
	} else {
		h.pc = addr
	}
	h.fault = f
	return false
}
