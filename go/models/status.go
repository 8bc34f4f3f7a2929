package models

import (
	"fmt"
	"strings"

	"github.com/mgutz/ansi"
)

var chNew = ansi.ColorCode("default+bu:default")

// VcpuDiff remembers the vcpu state seen at the previous exit so a dump can mark
// what the guest changed since.
type VcpuDiff struct {
	Arch *Arch
	prev map[string]uint64
}

// Field is one named value of the vcpu state and its value at the previous diff.
type Field struct {
	Name     string
	Old, New uint64
}

func (f Field) Changed() bool { return f.Old != f.New }

// hypervisor CSRs follow the gprs in a dump, in this order
var csrFields = []struct {
	name string
	read func(*VmCpuRegisters) uint64
}{
	{"sstatus", func(c *VmCpuRegisters) uint64 { return c.Guest.Sstatus }},
	{"hstatus", func(c *VmCpuRegisters) uint64 { return c.Guest.Hstatus }},
	{"vsatp", func(c *VmCpuRegisters) uint64 { return c.VS.Vsatp }},
	{"scause", func(c *VmCpuRegisters) uint64 { return c.Trap.Cause }},
	{"stval", func(c *VmCpuRegisters) uint64 { return c.Trap.Stval }},
	{"htval", func(c *VmCpuRegisters) uint64 { return c.Trap.Htval }},
	{"htinst", func(c *VmCpuRegisters) uint64 { return c.Trap.Htinst }},
}

// Diff compares ctx against the previous call and records it for the next one.
// The arch PC slot is reported as sepc.
func (d *VcpuDiff) Diff(ctx *VmCpuRegisters) *VcpuChanges {
	regs := d.Arch.RegDump(func(enum int) uint64 {
		if enum == d.Arch.PC {
			return ctx.Guest.Sepc
		}
		return ctx.Guest.Gprs.Reg(enum)
	})
	fields := make([]Field, 0, len(regs)+len(csrFields))
	for _, r := range regs {
		name := r.Name
		if r.Enum == d.Arch.PC {
			name = "sepc"
		}
		fields = append(fields, Field{Name: name, New: r.Val})
	}
	for _, c := range csrFields {
		fields = append(fields, Field{Name: c.name, New: c.read(ctx)})
	}
	next := make(map[string]uint64, len(fields))
	for i := range fields {
		fields[i].Old = d.prev[fields[i].Name]
		next[fields[i].Name] = fields[i].New
	}
	d.prev = next
	return &VcpuChanges{Digits: d.Arch.Bits / 4, Fields: fields}
}

type VcpuChanges struct {
	Digits int
	Fields []Field
}

func (cs *VcpuChanges) Changed() []Field {
	var ret []Field
	for _, f := range cs.Fields {
		if f.Changed() {
			ret = append(ret, f)
		}
	}
	return ret
}

func (cs *VcpuChanges) Find(name string) (Field, bool) {
	for _, f := range cs.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// String lays the fields out four to a row. Changed values are underlined with
// color, or prefixed with "+" without it.
func (cs *VcpuChanges) String(color bool) string {
	const cols = 4
	var b strings.Builder
	for i, f := range cs.Fields {
		val := fmt.Sprintf("0x%0*x", cs.Digits, f.New)
		mark := " "
		if f.Changed() {
			if color {
				val = chNew + val + ansi.Reset
			} else {
				mark = "+"
			}
		}
		fmt.Fprintf(&b, "%s%7s %s", mark, f.Name, val)
		if i%cols == cols-1 || i == len(cs.Fields)-1 {
			b.WriteString("\n")
		} else {
			b.WriteString(" ")
		}
	}
	return b.String()
}
