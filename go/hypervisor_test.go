package simplehv

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	. "github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/loader"
	"github.com/simplehv/simplehv/go/models"
)

func writeImage(t *testing.T, data []byte) string {
	path := filepath.Join(t.TempDir(), "guest.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeElfImage(t *testing.T, entry uint64, a *Asm) string {
	var buf bytes.Buffer
	prog := loader.Prog{Type: elf.PT_LOAD, Vaddr: entry, Data: a.Bytes(), Memsz: 0x2000, Flags: models.MAP_RWXU}
	if err := loader.WriteElf(&buf, entry, []loader.Prog{prog}); err != nil {
		t.Fatal(err)
	}
	return writeImage(t, buf.Bytes())
}

func newTestHV(t *testing.T, set func(*models.Config)) (*Hypervisor, *bytes.Buffer) {
	var out bytes.Buffer
	cfg := models.NewConfig()
	cfg.Output = &out
	cfg.RAMSize = 1 << 20
	cfg.MaxSteps = 10000
	if set != nil {
		set(cfg)
	}
	h, err := NewHypervisor(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h, &out
}

// shutdownGuest is the exercise guest: probe load, hart id read, SBI shutdown.
func shutdownGuest() *Asm {
	var a Asm
	a.Emit(Ld(A0, ZERO, 0x40), Csrr(A1, CSR_MHARTID))
	a.Emit(Li(A7, EID_SRST)...).Emit(Li(A6, 0)...).Emit(Ecall())
	return &a
}

func TestBootFlat(t *testing.T) {
	h, out := newTestHV(t, nil)
	if err := h.Boot(writeImage(t, shutdownGuest().Bytes())); err != nil {
		t.Fatalf("%v\n%s", err, out)
	}
	if h.Entry() != 0x80200000 {
		t.Fatalf("entry %#x", h.Entry())
	}
	stats := h.Stats()
	if stats.Total != 3 || stats.Count(LoadGuestPageFault) != 1 || stats.Count(IllegalInstruction) != 1 ||
		stats.Count(VirtualSupervisorEnvCall) != 1 {
		t.Fatalf("unexpected exits: %s", stats)
	}
	g := &h.Context().Guest.Gprs
	if g.Reg(A0) != 0x6688 || g.Reg(A1) != 0x1234 {
		t.Fatalf("a0=%#x a1=%#x", g.Reg(A0), g.Reg(A1))
	}
	if !strings.Contains(out.String(), "Shutdown vm normally!") {
		t.Fatalf("no shutdown message:\n%s", out)
	}
}

func TestBootEmulatesMhartid(t *testing.T) {
	var a Asm
	a.Emit(Csrr(A1, CSR_MHARTID), Ecall())
	h, _ := newTestHV(t, nil)
	if err := h.Load(writeImage(t, a.Bytes())); err != nil {
		t.Fatal(err)
	}
	if err := h.Configure(); err != nil {
		t.Fatal(err)
	}
	ctx := h.Context()
	start := ctx.Guest.Sepc
	if err := h.Hart().EnterGuest(ctx); err != nil {
		t.Fatal(err)
	}
	outcome, err := h.Dispatch()
	if err != nil || outcome != Running {
		t.Fatalf("got %s, %v", outcome, err)
	}
	if ctx.Guest.Gprs.Reg(A1) != 0x1234 || ctx.Guest.Sepc != start+4 {
		t.Fatalf("a1=%#x sepc=%#x start=%#x", ctx.Guest.Gprs.Reg(A1), ctx.Guest.Sepc, start)
	}
}

func TestBootSbiShutdown(t *testing.T) {
	var a Asm
	a.Emit(Li(A0, 0x6688)...).Emit(Li(A1, 0x1234)...).Emit(Li(A7, EID_SRST)...).Emit(Ecall())
	h, _ := newTestHV(t, nil)
	if err := h.Boot(writeImage(t, a.Bytes())); err != nil {
		t.Fatal(err)
	}
	if h.Stats().Total != 1 {
		t.Fatalf("guest entered again after shutdown: %s", h.Stats())
	}
	start, _, _, err := h.AddrSpace().Query(h.Entry())
	if err != nil {
		t.Fatal(err)
	}
	if sepc := h.Context().Guest.Sepc; sepc != start+uint64(a.PC())-4 {
		t.Fatalf("sepc %#x is not the ecall", sepc)
	}
}

func TestBootBadInstructionFatal(t *testing.T) {
	var a Asm
	a.Emit(Csrr(A0, CSR_MHARTID))
	h, out := newTestHV(t, nil)
	err := h.Boot(writeImage(t, a.Bytes()))
	if KindOf(err) != UnsupportedError {
		t.Fatalf("want unsupported, got %v", err)
	}
	var ft *FatalTrap
	if !errors.As(err, &ft) || ft.Insn != 0xf1402573 {
		t.Fatalf("fatal trap missing the instruction: %v", err)
	}
	report := out.String()
	for _, want := range []string{"fatal vm exit", "0xf1402573", "csrrs a0, mhartid", fmt.Sprintf("%#x", ft.Sepc)} {
		if !strings.Contains(report, want) {
			t.Errorf("report lacks %q:\n%s", want, report)
		}
	}
}

func TestBootEntryFailureReported(t *testing.T) {
	var a Asm
	a.Emit(Jal(ZERO, 0))
	h, out := newTestHV(t, func(c *models.Config) { c.MaxSteps = 50 })
	err := h.Boot(writeImage(t, a.Bytes()))
	var ft *FatalTrap
	if !errors.As(err, &ft) {
		t.Fatalf("want a fatal trap, got %v", err)
	}
	if ft.Kind != UnsupportedError || !strings.Contains(ft.Reason, "budget") {
		t.Fatalf("bad fatal trap: %+v", ft)
	}
	if ft.Sepc == 0 || ft.Sepc != h.Context().Guest.Sepc {
		t.Fatalf("sepc %#x not captured", ft.Sepc)
	}
	if !strings.Contains(out.String(), "fatal vm exit") {
		t.Fatalf("entry failure not reported:\n%s", out)
	}
}

func TestMissingStage2Mapping(t *testing.T) {
	var a Asm
	a.Emit(Jalr(ZERO, ZERO, 0x100))
	h, _ := newTestHV(t, nil)
	err := h.Boot(writeImage(t, a.Bytes()))
	var ft *FatalTrap
	if !errors.As(err, &ft) || Exception(ft.Trap.Cause) != InstructionGuestPageFault || ft.Kind != ConfigError {
		t.Fatalf("want a fatal fetch fault, got %v", err)
	}
	if ft.Sepc != 0x100 {
		t.Fatalf("sepc %#x", ft.Sepc)
	}
}

func TestBootElfStage1(t *testing.T) {
	var a Asm
	a.Emit(Csrr(A1, CSR_MHARTID)).Emit(Li(A0, 0x6688)...).Emit(Ecall())
	h, out := newTestHV(t, func(c *models.Config) { c.Stage1, c.CaptureHtinst = models.Stage1Enabled, true })
	if err := h.Boot(writeElfImage(t, guestBase, &a)); err != nil {
		t.Fatalf("%v\n%s", err, out)
	}
	ctx := h.Context()
	if ctx.VS.Vsatp == 0 {
		t.Fatal("vsatp not programmed")
	}
	if ctx.Guest.Sepc != guestBase+uint64(a.PC()) {
		t.Fatalf("sepc %#x, want past the ecall", ctx.Guest.Sepc)
	}
	if h.Stats().Count(UserEnvCall) != 1 || h.Stats().Count(IllegalInstruction) != 1 {
		t.Fatalf("unexpected exits: %s", h.Stats())
	}
}

// With stage-1 on the probe address has no VS-stage mapping, so the guest takes a
// plain load page fault that never reaches stage 2.
func TestStage1ProbeFaults(t *testing.T) {
	var a Asm
	a.Emit(Ld(A0, ZERO, 0x40))
	h, _ := newTestHV(t, func(c *models.Config) { c.Stage1 = models.Stage1Enabled })
	err := h.Boot(writeElfImage(t, guestBase, &a))
	var ft *FatalTrap
	if !errors.As(err, &ft) || Exception(ft.Trap.Cause) != LoadPageFault {
		t.Fatalf("want a fatal load page fault, got %v", err)
	}
}

func TestSaveStateOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.state")
	guest := shutdownGuest()
	h, _ := newTestHV(t, func(c *models.Config) { c.SaveState = path })
	if err := h.Boot(writeImage(t, guest.Bytes())); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	st, err := LoadState(f)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(*h.Context(), st.Ctx); diff != "" {
		t.Fatalf("context (-live +saved):\n%s", diff)
	}
	if len(st.Regions) != len(h.AddrSpace().Regions()) {
		t.Fatalf("%d regions saved, %d live", len(st.Regions), len(h.AddrSpace().Regions()))
	}
	if !bytes.HasPrefix(st.Regions[0].Data, guest.Bytes()) {
		t.Fatal("saved image memory does not start with the guest code")
	}
}

func TestDriverOrdering(t *testing.T) {
	h, _ := newTestHV(t, nil)
	if err := h.Run(); KindOf(err) != ConfigError {
		t.Fatalf("run before configure: %v", err)
	}
	if err := h.Configure(); KindOf(err) != ConfigError {
		t.Fatalf("configure before load: %v", err)
	}
	path := writeImage(t, shutdownGuest().Bytes())
	if err := h.Load(path); err != nil {
		t.Fatal(err)
	}
	if err := h.Load(path); KindOf(err) != ConfigError {
		t.Fatalf("second load: %v", err)
	}
}

func TestLoadErrorKinds(t *testing.T) {
	h, _ := newTestHV(t, nil)
	if err := h.Load(filepath.Join(t.TempDir(), "missing")); KindOf(err) != IOError {
		t.Fatalf("missing file: %v", err)
	}
	h, _ = newTestHV(t, nil)
	if err := h.Load(writeImage(t, nil)); KindOf(err) != FormatError {
		t.Fatalf("empty file: %v", err)
	}
	h, _ = newTestHV(t, nil)
	if err := h.Load(writeImage(t, []byte("\x7fELF\x02\x01\x01"))); KindOf(err) == 0 {
		t.Fatalf("truncated elf: %v", err)
	}
}

func TestConfigErrors(t *testing.T) {
	for _, cfg := range []*models.Config{
		{Stage1: "sometimes"},
		{Backend: "kvm"},
		{FlatBase: 0x90000000, RAMBase: 0x90000000},
	} {
		cfg.Output = &bytes.Buffer{}
		if _, err := NewHypervisor(cfg); KindOf(err) != ConfigError {
			t.Errorf("%+v: want config error, got %v", cfg, err)
		}
	}
}
