package simplehv

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	. "github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/mm"
	"github.com/simplehv/simplehv/go/models"
)

// fakeHart serves ReadPhys from a word map and counts the reads.
type fakeHart struct {
	models.Hart
	words map[uint64]uint32
	reads []uint64
}

func (f *fakeHart) ReadPhys(pa uint64, p []byte) error {
	f.reads = append(f.reads, pa)
	word, ok := f.words[pa]
	if !ok {
		return mm.ErrNotMapped
	}
	binary.LittleEndian.PutUint32(p, word)
	return nil
}

type fakeSpace struct {
	models.AddressSpace
	pages map[uint64]uint64
}

func (f *fakeSpace) Query(va uint64) (uint64, models.MappingFlags, uint64, error) {
	pa, ok := f.pages[va&^0xfff]
	if !ok {
		return 0, 0, 0, mm.ErrNotMapped
	}
	return pa | va&0xfff, models.MAP_RWXU, mm.PageSize, nil
}

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestDispatcher(words map[uint64]uint32) (*Dispatcher, *fakeHart) {
	hart := &fakeHart{words: words}
	space := &fakeSpace{pages: map[uint64]uint64{0x80200000: 0x90005000}}
	return NewDispatcher(hart, space, models.NewConfig(), quietLog()), hart
}

func trapCtx(cause Exception, sepc uint64) *models.VmCpuRegisters {
	ctx := &models.VmCpuRegisters{}
	ctx.Trap.Cause = uint64(cause)
	ctx.Guest.Sepc = sepc
	return ctx
}

func setArgs(ctx *models.VmCpuRegisters, regs map[int]uint64) *models.VmCpuRegisters {
	for r, v := range regs {
		ctx.Guest.Gprs.SetReg(r, v)
	}
	return ctx
}

func TestDispatchEcalls(t *testing.T) {
	const pc = 0x90004000
	tests := []struct {
		name    string
		ctx     *models.VmCpuRegisters
		outcome Outcome
		kind    ErrorKind
		sepc    uint64
	}{
		{"srst reset", setArgs(trapCtx(VirtualSupervisorEnvCall, pc), map[int]uint64{A0: 0x6688, A1: 0x1234, A7: EID_SRST}), Shutdown, 0, pc},
		{"legacy shutdown", setArgs(trapCtx(VirtualSupervisorEnvCall, pc), map[int]uint64{A0: 0x6688, A1: 0x1234, A7: EID_SHUTDOWN}), Shutdown, 0, pc},
		{"reset bad args", setArgs(trapCtx(VirtualSupervisorEnvCall, pc), map[int]uint64{A0: 1, A1: 0x1234, A7: EID_SRST}), Running, UnsupportedError, pc},
		{"putchar", setArgs(trapCtx(VirtualSupervisorEnvCall, pc), map[int]uint64{A0: 'x', A7: EID_CONSOLE_PUTCHAR}), Running, UnsupportedError, pc},
		{"unknown eid", setArgs(trapCtx(VirtualSupervisorEnvCall, pc), map[int]uint64{A7: 0x12345}), Running, UnsupportedError, pc},
		{"user ecall", setArgs(trapCtx(UserEnvCall, pc), map[int]uint64{A0: 0x6688, A1: 0x1234}), Shutdown, 0, pc + 4},
		{"user ecall bad args", setArgs(trapCtx(UserEnvCall, pc), map[int]uint64{A0: 0x6688}), Running, UnsupportedError, pc},
	}
	for _, test := range tests {
		d, _ := newTestDispatcher(nil)
		outcome, err := d.Dispatch(test.ctx)
		if outcome != test.outcome || KindOf(err) != test.kind {
			t.Errorf("%s: got %s, %v; want %s, kind %v", test.name, outcome, err, test.outcome, test.kind)
		}
		if test.ctx.Guest.Sepc != test.sepc {
			t.Errorf("%s: sepc %#x, want %#x", test.name, test.ctx.Guest.Sepc, test.sepc)
		}
	}
}

func TestDispatchMhartid(t *testing.T) {
	const pc = 0x90004000
	// captured htinst wins over memory
	d, hart := newTestDispatcher(map[uint64]uint32{pc: 0xffffffff})
	ctx := trapCtx(IllegalInstruction, pc)
	ctx.Trap.Htinst = CsrrA1Mhartid
	if outcome, err := d.Dispatch(ctx); outcome != Running || err != nil {
		t.Fatalf("got %s, %v", outcome, err)
	}
	if ctx.Guest.Gprs.Reg(A1) != 0x1234 || ctx.Guest.Sepc != pc+4 {
		t.Fatalf("a1=%#x sepc=%#x", ctx.Guest.Gprs.Reg(A1), ctx.Guest.Sepc)
	}
	if len(hart.reads) != 0 {
		t.Fatalf("fetched from memory despite htinst: %#x", hart.reads)
	}

	// without htinst the word at sepc is fetched
	d, hart = newTestDispatcher(map[uint64]uint32{pc: CsrrA1Mhartid})
	ctx = trapCtx(IllegalInstruction, pc)
	if outcome, err := d.Dispatch(ctx); outcome != Running || err != nil {
		t.Fatalf("got %s, %v", outcome, err)
	}
	if ctx.Guest.Gprs.Reg(A1) != 0x1234 || len(hart.reads) != 1 || hart.reads[0] != pc {
		t.Fatalf("a1=%#x reads=%#x", ctx.Guest.Gprs.Reg(A1), hart.reads)
	}

	// with stage-1 on, sepc is translated first
	d, hart = newTestDispatcher(map[uint64]uint32{0x90005010: CsrrA1Mhartid})
	ctx = trapCtx(IllegalInstruction, 0x80200010)
	ctx.VS.Vsatp = MakeATP(ATP_MODE_SV39, 0x90000000)
	if outcome, err := d.Dispatch(ctx); outcome != Running || err != nil {
		t.Fatalf("got %s, %v", outcome, err)
	}
	if hart.reads[0] != 0x90005010 || ctx.Guest.Sepc != 0x80200014 {
		t.Fatalf("reads=%#x sepc=%#x", hart.reads, ctx.Guest.Sepc)
	}
}

func TestDispatchZeroHartID(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	d.cfg.HartID = 0
	ctx := setArgs(trapCtx(IllegalInstruction, 0x90004000), map[int]uint64{A1: 0x55})
	ctx.Trap.Htinst = CsrrA1Mhartid
	if outcome, err := d.Dispatch(ctx); outcome != Running || err != nil {
		t.Fatalf("got %s, %v", outcome, err)
	}
	if ctx.Guest.Gprs.Reg(A1) != 0 {
		t.Fatalf("a1=%#x, want hart 0", ctx.Guest.Gprs.Reg(A1))
	}
}

func TestDispatchBadInstruction(t *testing.T) {
	const pc = 0x90004000
	bad := Csrr(A0, CSR_MHARTID)
	d, _ := newTestDispatcher(map[uint64]uint32{pc: bad})
	ctx := trapCtx(IllegalInstruction, pc)
	ctx.Trap.Stval = uint64(bad)
	_, err := d.Dispatch(ctx)
	var ft *FatalTrap
	if !errors.As(err, &ft) {
		t.Fatalf("want a fatal trap, got %v", err)
	}
	if ft.Kind != UnsupportedError || ft.Insn != bad || ft.Sepc != pc {
		t.Fatalf("bad fatal trap: %+v", ft)
	}
	if ctx.Guest.Sepc != pc {
		t.Fatal("sepc advanced past a fatal instruction")
	}

}

func TestDispatchFetchFailure(t *testing.T) {
	const pc = 0x90004000
	bare := setArgs(trapCtx(IllegalInstruction, pc), map[int]uint64{A0: 0xa0, T1: 0x61})
	bare.Trap.Stval = 0xdead
	// sepc outside every mapped page
	translated := trapCtx(IllegalInstruction, 0x80300000)
	translated.VS.Vsatp = MakeATP(ATP_MODE_SV39, 0x90001000)
	for name, ctx := range map[string]*models.VmCpuRegisters{"bare": bare, "translated": translated} {
		d, _ := newTestDispatcher(nil)
		_, err := d.Dispatch(ctx)
		var ft *FatalTrap
		if !errors.As(err, &ft) {
			t.Fatalf("%s: want a fatal trap, got %v", name, err)
		}
		if ft.Kind != MemoryError || KindOf(err) != MemoryError {
			t.Errorf("%s: kind %v", name, ft.Kind)
		}
		if ft.Sepc != ctx.Guest.Sepc || ft.Trap != ctx.Trap || ft.Regs != ctx.Guest.Gprs {
			t.Errorf("%s: trap context lost: %+v", name, ft)
		}
	}
}

func TestDispatchProbe(t *testing.T) {
	const pc = 0x90004000
	load := Ld(S1, ZERO, 0x40)
	d, _ := newTestDispatcher(map[uint64]uint32{pc: load})
	ctx := trapCtx(LoadGuestPageFault, pc)
	ctx.Trap.Stval, ctx.Trap.Htval = 0x40, 0x40>>2
	if outcome, err := d.Dispatch(ctx); outcome != Running || err != nil {
		t.Fatalf("got %s, %v", outcome, err)
	}
	if ctx.Guest.Gprs.Reg(S1) != 0x6688 || ctx.Guest.Sepc != pc+4 {
		t.Fatalf("s1=%#x sepc=%#x", ctx.Guest.Gprs.Reg(S1), ctx.Guest.Sepc)
	}

	store := Sd(A0, ZERO, 0x40)
	d, _ = newTestDispatcher(map[uint64]uint32{pc: store})
	ctx = trapCtx(StoreGuestPageFault, pc)
	ctx.Trap.Stval, ctx.Trap.Htval = 0x40, 0x40>>2
	if outcome, err := d.Dispatch(ctx); outcome != Running || err != nil {
		t.Fatalf("store: got %s, %v", outcome, err)
	}

	d, _ = newTestDispatcher(map[uint64]uint32{pc: load})
	ctx = trapCtx(LoadGuestPageFault, pc)
	ctx.Trap.Stval, ctx.Trap.Htval = 0x1000, 0x1000>>2
	if _, err := d.Dispatch(ctx); KindOf(err) != UnsupportedError {
		t.Fatalf("other address: %v", err)
	}

	// a store instruction cannot explain a load fault
	d, _ = newTestDispatcher(map[uint64]uint32{pc: store})
	ctx = trapCtx(LoadGuestPageFault, pc)
	ctx.Trap.Stval, ctx.Trap.Htval = 0x40, 0x40>>2
	if _, err := d.Dispatch(ctx); KindOf(err) != UnsupportedError {
		t.Fatalf("mismatched opcode: %v", err)
	}
}

func TestDispatchFatalCauses(t *testing.T) {
	tests := []struct {
		cause Exception
		kind  ErrorKind
	}{
		{InstructionGuestPageFault, ConfigError},
		{Breakpoint, UnsupportedError},
		{LoadPageFault, UnsupportedError},
		{LoadMisaligned, UnsupportedError},
	}
	for _, test := range tests {
		d, _ := newTestDispatcher(nil)
		_, err := d.Dispatch(trapCtx(test.cause, 0x90004000))
		if KindOf(err) != test.kind {
			t.Errorf("%s: kind %v, want %v (%v)", test.cause, KindOf(err), test.kind, err)
		}
		if d.Stats.Count(test.cause) != 1 {
			t.Errorf("%s: not counted", test.cause)
		}
	}
}
