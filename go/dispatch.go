package simplehv

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/models"
)

type Outcome int

const (
	Running Outcome = iota
	Shutdown
)

func (o Outcome) String() string {
	if o == Shutdown {
		return "Shutdown"
	}
	return "Running"
}

const insnWidth = 4

// Dispatcher decides what to do with each VM exit. It only touches the hart to read
// guest memory; all emulation happens on the saved context.
type Dispatcher struct {
	hart  models.Hart
	as    models.AddressSpace
	cfg   *models.Config
	log   logrus.FieldLogger
	sbi   *SbiDecoder
	Stats *ExitStats
}

func NewDispatcher(hart models.Hart, as models.AddressSpace, cfg *models.Config, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		hart:  hart,
		as:    as,
		cfg:   cfg,
		log:   log,
		sbi:   NewSbiDecoder(),
		Stats: NewExitStats(),
	}
}

func (d *Dispatcher) fatal(ctx *models.VmCpuRegisters, kind ErrorKind, insn uint32, format string, args ...interface{}) error {
	return errors.WithStack(&FatalTrap{
		Kind:    kind,
		Reason:  fmt.Sprintf(format, args...),
		Trap:    ctx.Trap,
		Sepc:    ctx.Guest.Sepc,
		Insn:    insn,
		Regs:    ctx.Guest.Gprs,
		Sstatus: ctx.Guest.Sstatus,
		Hstatus: ctx.Guest.Hstatus,
		Vsatp:   ctx.VS.Vsatp,
	})
}

// Dispatch handles the trap latched in ctx. A non-nil error is always fatal.
func (d *Dispatcher) Dispatch(ctx *models.VmCpuRegisters) (Outcome, error) {
	cause := riscv.Exception(ctx.Trap.Cause)
	d.Stats.Record(cause)
	d.log.Debugf("vm exit: %s sepc=%#x stval=%#x", cause, ctx.Guest.Sepc, ctx.Trap.Stval)

	gprs := &ctx.Guest.Gprs
	switch cause {
	case riscv.VirtualSupervisorEnvCall:
		msg, err := d.sbi.Decode(gprs.ARegs())
		if err != nil {
			return Running, d.fatal(ctx, UnsupportedError, 0, "bad sbi message: %v", err)
		}
		d.log.Infof("VmExit Reason: VSuperEcall: %s", msg)
		if msg.Kind != SbiReset {
			return Running, d.fatal(ctx, UnsupportedError, 0, "unsupported sbi call %s", msg)
		}
		if err := d.checkResetArgs(ctx); err != nil {
			return Running, err
		}
		d.log.Info("Shutdown vm normally!")
		return Shutdown, nil

	case riscv.UserEnvCall:
		if err := d.checkResetArgs(ctx); err != nil {
			return Running, err
		}
		ctx.Guest.Sepc += insnWidth
		d.log.Info("Shutdown vm normally!")
		return Shutdown, nil

	case riscv.IllegalInstruction:
		insn, err := d.faultingInsn(ctx)
		if err != nil {
			return Running, err
		}
		if insn != riscv.CsrrA1Mhartid {
			return Running, d.fatal(ctx, UnsupportedError, insn, "bad instruction %#08x", insn)
		}
		rd := riscv.Insn(insn).Rd()
		gprs.SetReg(rd, d.cfg.HartID)
		ctx.Guest.Sepc += insnWidth
		d.log.Infof("emulated %s: %s = %#x", riscv.Decode(insn, ctx.Guest.Sepc-insnWidth), riscv.RegName(rd), d.cfg.HartID)
		return Running, nil

	case riscv.LoadGuestPageFault, riscv.StoreGuestPageFault:
		gpa := ctx.Trap.FaultGPA()
		if ctx.Trap.Htval == 0 {
			gpa = ctx.Trap.Stval
		}
		if gpa != d.cfg.ProbeAddr {
			return Running, d.fatal(ctx, UnsupportedError, 0, "guest physical access to %#x", gpa)
		}
		insn, err := d.faultingInsn(ctx)
		if err != nil {
			return Running, err
		}
		op := riscv.Insn(insn).Opcode()
		if cause == riscv.LoadGuestPageFault {
			if op != riscv.OP_LOAD {
				return Running, d.fatal(ctx, UnsupportedError, insn, "load fault from non-load instruction")
			}
			rd := riscv.Insn(insn).Rd()
			gprs.SetReg(rd, d.cfg.ProbeValue)
			d.log.Infof("emulated load from %#x: %s = %#x", gpa, riscv.RegName(rd), d.cfg.ProbeValue)
		} else {
			if op != riscv.OP_STORE {
				return Running, d.fatal(ctx, UnsupportedError, insn, "store fault from non-store instruction")
			}
			d.log.Infof("discarded store to %#x", gpa)
		}
		ctx.Guest.Sepc += insnWidth
		return Running, nil

	case riscv.InstructionGuestPageFault:
		return Running, d.fatal(ctx, ConfigError, 0, "instruction fetch from unmapped guest physical address %#x", ctx.Trap.FaultGPA())
	}
	return Running, d.fatal(ctx, UnsupportedError, 0, "unhandled trap")
}

func (d *Dispatcher) checkResetArgs(ctx *models.VmCpuRegisters) error {
	a0, a1 := ctx.Guest.Gprs.Reg(riscv.A0), ctx.Guest.Gprs.Reg(riscv.A1)
	d.log.Infof("a0 = %#x, a1 = %#x", a0, a1)
	if a0 != d.cfg.ResetArgs[0] || a1 != d.cfg.ResetArgs[1] {
		return d.fatal(ctx, UnsupportedError, 0, "shutdown with a0=%#x a1=%#x, want %#x %#x",
			a0, a1, d.cfg.ResetArgs[0], d.cfg.ResetArgs[1])
	}
	return nil
}

// faultingInsn returns the trapping instruction: htinst when the hart captured it,
// otherwise the word at sepc read through the physical memory view.
func (d *Dispatcher) faultingInsn(ctx *models.VmCpuRegisters) (uint32, error) {
	if ctx.Trap.Htinst != 0 {
		return uint32(ctx.Trap.Htinst), nil
	}
	pa := ctx.Guest.Sepc
	if riscv.ATPMode(ctx.VS.Vsatp) != riscv.ATP_MODE_BARE {
		gpa, _, _, err := d.as.Query(pa)
		if err != nil {
			return 0, d.fatal(ctx, MemoryError, 0, "translate sepc %#x: %v", pa, err)
		}
		pa = gpa
	}
	var buf [4]byte
	if err := d.hart.ReadPhys(pa, buf[:]); err != nil {
		return 0, d.fatal(ctx, MemoryError, 0, "fetch instruction at %#x: %v", pa, err)
	}
	insn := binary.LittleEndian.Uint32(buf[:])
	d.log.Debugf("fetched guest instruction from pa %#x: %#08x", pa, insn)
	return insn, nil
}
