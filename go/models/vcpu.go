package models

import "fmt"

// Gprs is the guest general purpose register file. x0 reads as zero.
type Gprs [32]uint64

func (g *Gprs) Reg(i int) uint64 {
	if i <= 0 || i >= len(g) {
		return 0
	}
	return g[i]
}

func (g *Gprs) SetReg(i int, val uint64) {
	if i <= 0 || i >= len(g) {
		return
	}
	g[i] = val
}

// ARegs returns a0-a7, the SBI argument registers.
func (g *Gprs) ARegs() [8]uint64 {
	var a [8]uint64
	copy(a[:], g[10:18])
	return a
}

// GuestRegs is the state restored on entry and captured on every trap.
type GuestRegs struct {
	Gprs    Gprs
	Sstatus uint64
	Hstatus uint64
	Sepc    uint64
}

// VsCsrs holds the virtual supervisor CSRs the hypervisor programs for the guest.
type VsCsrs struct {
	Vsatp uint64
}

// TrapEvent is the trap state latched by the hart on a VM exit.
// It is only meaningful until the next EnterGuest.
type TrapEvent struct {
	Cause  uint64
	Stval  uint64
	Htval  uint64
	Htinst uint64
}

// FaultGPA returns the guest physical address of a guest page fault.
func (t *TrapEvent) FaultGPA() uint64 {
	return t.Htval<<2 | t.Stval&3
}

func (t TrapEvent) String() string {
	return fmt.Sprintf("cause=%#x stval=%#x htval=%#x htinst=%#x", t.Cause, t.Stval, t.Htval, t.Htinst)
}

// VmCpuRegisters is the complete saved context of the one guest vcpu.
type VmCpuRegisters struct {
	Guest GuestRegs
	VS    VsCsrs
	Trap  TrapEvent
}
