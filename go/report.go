package simplehv

import (
	"fmt"
	"io"
	"strings"

	"github.com/mgutz/ansi"

	"github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/models"
)

var (
	reportTitle = ansi.ColorFunc("red+b")
	reportLabel = ansi.ColorFunc("yellow")
)

// Reporter renders fatal VM exits. It remembers the vcpu state seen at the previous
// exit so the dump can mark what the guest changed since.
type Reporter struct {
	Color bool
	diff  *models.VcpuDiff
}

func NewReporter(color bool) *Reporter {
	return &Reporter{Color: color, diff: &models.VcpuDiff{Arch: riscv.Arch}}
}

// Observe records the vcpu state at a handled exit.
func (r *Reporter) Observe(ctx *models.VmCpuRegisters) {
	r.diff.Diff(ctx)
}

func (r *Reporter) color(f func(string) string, s string) string {
	if r.Color {
		return f(s)
	}
	return s
}

// Report writes the full context of a fatal trap to w.
func (r *Reporter) Report(w io.Writer, ft *FatalTrap) {
	var b strings.Builder
	cause := riscv.Exception(ft.Trap.Cause)
	fmt.Fprintf(&b, "%s\n", r.color(reportTitle, "fatal vm exit: "+ft.Reason))
	line := func(label, format string, args ...interface{}) {
		fmt.Fprintf(&b, "  %s %s\n", r.color(reportLabel, fmt.Sprintf("%-7s", label)), fmt.Sprintf(format, args...))
	}
	line("kind", "%s", ft.Kind)
	line("cause", "%s (%d)", cause, ft.Trap.Cause)
	line("sepc", "%#x", ft.Sepc)
	line("stval", "%#x", ft.Trap.Stval)
	line("htval", "%#x (gpa %#x)", ft.Trap.Htval, ft.Trap.FaultGPA())
	line("htinst", "%#x", ft.Trap.Htinst)
	if ft.Insn != 0 {
		line("insn", "%#08x  %s", ft.Insn, riscv.Decode(ft.Insn, ft.Sepc))
	}
	b.WriteString(r.diff.Diff(ft.Context()).String(r.Color))
	io.WriteString(w, b.String())
}
