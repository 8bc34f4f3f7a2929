//go:build unicorn

package unicorn

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	. "github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/mm"
	"github.com/simplehv/simplehv/go/models"
)

func setup(t *testing.T, opts Options, prog *Asm) (*Hart, *mm.AddrSpace, uint64, *models.VmCpuRegisters) {
	phys, err := mm.NewPhysMem(0x90000000, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { phys.Close() })
	as, err := mm.NewAddrSpace(phys)
	if err != nil {
		t.Fatal(err)
	}
	code, err := phys.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if err := phys.Write(code, prog.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := as.MapLinear(code, code, mm.PageSize, models.MAP_RWXU); err != nil {
		t.Fatal(err)
	}
	h, err := New(phys, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	if err := h.WriteCSR(CSR_HGATP, MakeATP(ATP_MODE_SV39, as.PageTableRoot())); err != nil {
		t.Fatal(err)
	}
	if err := h.HfenceGVMA(); err != nil {
		t.Fatal(err)
	}
	ctx := &models.VmCpuRegisters{}
	ctx.Guest.Hstatus = HSTATUS_SPV | HSTATUS_SPVP
	ctx.Guest.Sstatus = SSTATUS_SPP
	ctx.Guest.Sepc = code
	return h, as, code, ctx
}

func TestEcall(t *testing.T) {
	var a Asm
	a.Emit(Li(A0, 0x6688)...).Emit(Li(A1, 0x1234)...).Emit(Addi(A7, ZERO, 8), Ecall())
	h, _, code, ctx := setup(t, Options{MaxSteps: 100}, &a)
	if err := h.EnterGuest(ctx); err != nil {
		t.Fatal(err)
	}
	if Exception(ctx.Trap.Cause) != VirtualSupervisorEnvCall {
		t.Fatalf("cause %s", Exception(ctx.Trap.Cause))
	}
	if ctx.Guest.Sepc != code+uint64(a.PC())-4 {
		t.Fatalf("sepc %#x", ctx.Guest.Sepc)
	}
	if ctx.Guest.Gprs.Reg(A0) != 0x6688 || ctx.Guest.Gprs.Reg(A1) != 0x1234 {
		t.Fatalf("a0=%#x a1=%#x", ctx.Guest.Gprs.Reg(A0), ctx.Guest.Gprs.Reg(A1))
	}
}

func TestMhartidTraps(t *testing.T) {
	var a Asm
	a.Emit(Csrr(A1, CSR_MHARTID))
	h, _, code, ctx := setup(t, Options{CaptureHtinst: true, MaxSteps: 100}, &a)
	if err := h.EnterGuest(ctx); err != nil {
		t.Fatal(err)
	}
	want := models.TrapEvent{Cause: uint64(IllegalInstruction), Stval: CsrrA1Mhartid, Htinst: CsrrA1Mhartid}
	if diff := cmp.Diff(want, ctx.Trap); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if ctx.Guest.Sepc != code {
		t.Fatalf("sepc %#x", ctx.Guest.Sepc)
	}
}

func TestLoadGuestPageFault(t *testing.T) {
	var a Asm
	a.Emit(Ld(A0, ZERO, 0x40))
	h, _, code, ctx := setup(t, Options{MaxSteps: 100}, &a)
	if err := h.EnterGuest(ctx); err != nil {
		t.Fatal(err)
	}
	if Exception(ctx.Trap.Cause) != LoadGuestPageFault {
		t.Fatalf("cause %s", Exception(ctx.Trap.Cause))
	}
	if ctx.Trap.FaultGPA() != 0x40 || ctx.Guest.Sepc != code {
		t.Fatalf("gpa %#x sepc %#x", ctx.Trap.FaultGPA(), ctx.Guest.Sepc)
	}
}
