package soft

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/mm"
	"github.com/simplehv/simplehv/go/models"
	"github.com/simplehv/simplehv/go/models/cpu"
)

// trap is a synchronous exception raised while the guest runs.
type trap struct {
	cause    riscv.Exception
	tval     uint64
	gpa      uint64
	gpaValid bool
	insn     uint32
}

func (t *trap) Error() string {
	return fmt.Sprintf("%s tval=%#x", t.cause, t.tval)
}

type Options struct {
	// CaptureHtinst reports the trapping instruction in htinst. Otherwise htinst reads 0.
	CaptureHtinst bool
	// MaxSteps bounds the instructions run by one EnterGuest. 0 means no bound.
	MaxSteps uint64
	HartID   uint64
}

// Hart is a software RISC-V hart with the hypervisor extension. The hypervisor runs
// natively in Go; only guest (VS/VU) execution is interpreted.
type Hart struct {
	*cpu.Hooks
	*cpu.Regs

	phys *mm.PhysMem
	mem  *cpu.Mem
	opts Options

	csr map[int]uint64
	tlb map[uint64]tlbEntry
	// set by an hgatp write, cleared by HfenceGVMA
	hgatpStale bool

	pc      uint64
	prv     int
	steps   uint64
	instret uint64

	exitRequest bool
}

var _ models.Hart = (*Hart)(nil)

func New(phys *mm.PhysMem, opts Options) *Hart {
	enums := make([]int, 0, 32)
	for i := 1; i < 32; i++ {
		enums = append(enums, i)
	}
	enums = append(enums, riscv.PC)
	h := &Hart{
		Regs: cpu.NewRegs(64, enums),
		phys: phys,
		mem:  phys.Mem(),
		opts: opts,
		csr:  make(map[int]uint64),
		tlb:  make(map[uint64]tlbEntry),
	}
	h.Hooks = cpu.NewHooks(h, h.mem)
	h.csr[riscv.CSR_MHARTID] = opts.HartID
	return h
}

func (h *Hart) reg(i int) uint64 {
	if i == 0 {
		return 0
	}
	v, _ := h.RegRead(i)
	return v
}

func (h *Hart) setReg(i int, val uint64) {
	if i != 0 {
		h.RegWrite(i, val)
	}
}

// Stop makes the current EnterGuest return an error after the running instruction.
func (h *Hart) Stop() error {
	h.exitRequest = true
	return nil
}

// ReadCSR reads a CSR from HS-mode.
func (h *Hart) ReadCSR(csr int) (uint64, error) {
	if _, ok := hsCsrs[csr]; !ok {
		return 0, errors.Errorf("unsupported csr %#x", csr)
	}
	return h.csr[csr], nil
}

// WriteCSR writes a CSR from HS-mode. Writing hgatp requires a fence before the next entry.
func (h *Hart) WriteCSR(csr int, val uint64) error {
	if _, ok := hsCsrs[csr]; !ok || riscv.CsrReadOnly(csr) {
		return errors.Errorf("csr %#x (%s) is not writable", csr, riscv.CsrName(csr))
	}
	if csr == riscv.CSR_HGATP {
		mode := riscv.ATPMode(val)
		if mode != riscv.ATP_MODE_BARE && mode != riscv.ATP_MODE_SV39 {
			// unsupported modes leave hgatp unchanged
			return nil
		}
		h.hgatpStale = true
	}
	h.csr[csr] = val
	return nil
}

func (h *Hart) HfenceGVMA() error {
	h.tlb = make(map[uint64]tlbEntry)
	h.hgatpStale = false
	return nil
}

func (h *Hart) ReadPhys(pa uint64, p []byte) error {
	return h.phys.Read(pa, p)
}

func (h *Hart) Close() error {
	return nil
}

// EnterGuest performs an sret into the guest described by ctx and runs until the next trap.
func (h *Hart) EnterGuest(ctx *models.VmCpuRegisters) error {
	if h.hgatpStale {
		return errors.New("hgatp written without hfence.gvma before guest entry")
	}
	if ctx.Guest.Hstatus&riscv.HSTATUS_SPV == 0 {
		return errors.New("hstatus.SPV clear: sret would not enter the guest")
	}
	for i := 1; i < 32; i++ {
		h.setReg(i, ctx.Guest.Gprs[i])
	}
	h.csr[riscv.CSR_HSTATUS] = ctx.Guest.Hstatus
	h.csr[riscv.CSR_SSTATUS] = ctx.Guest.Sstatus
	h.csr[riscv.CSR_SEPC] = ctx.Guest.Sepc
	h.csr[riscv.CSR_VSATP] = ctx.VS.Vsatp
	h.prv = riscv.PRV_U
	if ctx.Guest.Sstatus&riscv.SSTATUS_SPP != 0 {
		h.prv = riscv.PRV_S
	}
	h.pc = ctx.Guest.Sepc
	h.exitRequest = false
	h.steps = 0

	t, err := h.run()
	if err != nil {
		return err
	}
	h.takeTrap(t)

	for i := 1; i < 32; i++ {
		ctx.Guest.Gprs[i] = h.reg(i)
	}
	ctx.Guest.Gprs[0] = 0
	ctx.Guest.Sstatus = h.csr[riscv.CSR_SSTATUS]
	ctx.Guest.Hstatus = h.csr[riscv.CSR_HSTATUS]
	ctx.Guest.Sepc = h.csr[riscv.CSR_SEPC]
	ctx.VS.Vsatp = h.csr[riscv.CSR_VSATP]
	ctx.Trap = models.TrapEvent{
		Cause:  h.csr[riscv.CSR_SCAUSE],
		Stval:  h.csr[riscv.CSR_STVAL],
		Htval:  h.csr[riscv.CSR_HTVAL],
		Htinst: h.csr[riscv.CSR_HTINST],
	}
	return nil
}

// takeTrap latches t into the HS trap CSRs as a trap from V=1.
func (h *Hart) takeTrap(t *trap) {
	h.csr[riscv.CSR_SCAUSE] = uint64(t.cause)
	h.csr[riscv.CSR_STVAL] = t.tval
	h.csr[riscv.CSR_SEPC] = h.pc
	h.csr[riscv.CSR_HTVAL] = 0
	if t.gpaValid {
		h.csr[riscv.CSR_HTVAL] = t.gpa >> 2
	}
	h.csr[riscv.CSR_HTINST] = 0
	if h.opts.CaptureHtinst {
		h.csr[riscv.CSR_HTINST] = uint64(t.insn)
	}
	sstatus := h.csr[riscv.CSR_SSTATUS] &^ riscv.SSTATUS_SPP
	hstatus := h.csr[riscv.CSR_HSTATUS] &^ (riscv.HSTATUS_SPVP | riscv.HSTATUS_GVA)
	if h.prv == riscv.PRV_S {
		sstatus |= riscv.SSTATUS_SPP
		hstatus |= riscv.HSTATUS_SPVP
	}
	hstatus |= riscv.HSTATUS_SPV
	switch t.cause {
	case riscv.InstructionMisaligned, riscv.InstructionFault, riscv.LoadMisaligned, riscv.LoadFault,
		riscv.StoreMisaligned, riscv.StoreFault, riscv.InstructionPageFault, riscv.LoadPageFault,
		riscv.StorePageFault, riscv.InstructionGuestPageFault, riscv.LoadGuestPageFault,
		riscv.StoreGuestPageFault, riscv.Breakpoint:
		hstatus |= riscv.HSTATUS_GVA
	}
	h.csr[riscv.CSR_SSTATUS] = sstatus
	h.csr[riscv.CSR_HSTATUS] = hstatus
}

func (h *Hart) run() (*trap, error) {
	for {
		if h.opts.MaxSteps > 0 && h.steps >= h.opts.MaxSteps {
			return nil, errors.Errorf("instruction budget of %d exhausted at pc %#x", h.opts.MaxSteps, h.pc)
		}
		if t := h.step(); t != nil {
			return t, nil
		}
		h.steps++
		h.instret++
		if h.exitRequest {
			return nil, errors.Errorf("guest stopped at pc %#x", h.pc)
		}
	}
}

// hsCsrs are the CSRs the hypervisor side may access.
var hsCsrs = map[int]struct{}{
	riscv.CSR_SSTATUS: {}, riscv.CSR_SIE: {}, riscv.CSR_STVEC: {}, riscv.CSR_SSCRATCH: {},
	riscv.CSR_SEPC: {}, riscv.CSR_SCAUSE: {}, riscv.CSR_STVAL: {}, riscv.CSR_SIP: {}, riscv.CSR_SATP: {},
	riscv.CSR_VSSTATUS: {}, riscv.CSR_VSIE: {}, riscv.CSR_VSTVEC: {}, riscv.CSR_VSSCRATCH: {},
	riscv.CSR_VSEPC: {}, riscv.CSR_VSCAUSE: {}, riscv.CSR_VSTVAL: {}, riscv.CSR_VSIP: {}, riscv.CSR_VSATP: {},
	riscv.CSR_HSTATUS: {}, riscv.CSR_HEDELEG: {}, riscv.CSR_HIDELEG: {}, riscv.CSR_HIE: {},
	riscv.CSR_HCOUNTEREN: {}, riscv.CSR_HTVAL: {}, riscv.CSR_HIP: {}, riscv.CSR_HVIP: {},
	riscv.CSR_HTINST: {}, riscv.CSR_HGATP: {}, riscv.CSR_MHARTID: {},
}
