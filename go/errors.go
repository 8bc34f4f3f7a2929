package simplehv

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/loader"
	"github.com/simplehv/simplehv/go/models"
)

type ErrorKind int

const (
	IOError ErrorKind = iota + 1
	FormatError
	MemoryError
	ConfigError
	UnsupportedError
)

var kindNames = map[ErrorKind]string{
	IOError:          "i/o error",
	FormatError:      "format error",
	MemoryError:      "memory error",
	ConfigError:      "configuration error",
	UnsupportedError: "emulation unsupported",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Error tags a failure with its place in the hypervisor's error taxonomy.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// StackTrace exposes the innermost recorded stack so the CLI can print it.
func (e *Error) StackTrace() errors.StackTrace {
	var trace errors.StackTrace
	for err := e.Err; err != nil; {
		if st, ok := err.(stackTracer); ok {
			trace = st.StackTrace()
		}
		c, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = c.Cause()
	}
	return trace
}

func newError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the first *Error in err's cause chain, or 0.
func KindOf(err error) ErrorKind {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e.Kind
		case *FatalTrap:
			return e.Kind
		}
		c, ok := err.(interface{ Cause() error })
		if !ok {
			return 0
		}
		err = c.Cause()
	}
	return 0
}

// classifyLoad sorts image loading failures into the taxonomy.
func classifyLoad(err error) error {
	if err == nil {
		return nil
	}
	kind := MemoryError
	cause := errors.Cause(err)
	switch cause {
	case loader.ErrBadHeader, loader.ErrBadPhdr, loader.ErrEmpty:
		kind = FormatError
	case loader.ErrShortRead:
		kind = IOError
	default:
		if _, ok := cause.(*os.PathError); ok {
			kind = IOError
		}
	}
	return newError(kind, err)
}

// FatalTrap is a VM exit the dispatcher refuses to handle. It carries the full
// trap context for the fatal report.
type FatalTrap struct {
	Kind   ErrorKind
	Reason string
	Trap   models.TrapEvent
	Sepc   uint64
	// Insn is the faulting instruction when one was decoded, else 0.
	Insn    uint32
	Regs    models.Gprs
	Sstatus uint64
	Hstatus uint64
	Vsatp   uint64
}

// Context rebuilds the vcpu state captured with the trap.
func (f *FatalTrap) Context() *models.VmCpuRegisters {
	return &models.VmCpuRegisters{
		Guest: models.GuestRegs{Gprs: f.Regs, Sstatus: f.Sstatus, Hstatus: f.Hstatus, Sepc: f.Sepc},
		VS:    models.VsCsrs{Vsatp: f.Vsatp},
		Trap:  f.Trap,
	}
}

func (f *FatalTrap) Error() string {
	s := fmt.Sprintf("%s: %s: cause %s sepc=%#x stval=%#x htval=%#x",
		f.Kind, f.Reason, riscv.Exception(f.Trap.Cause), f.Sepc, f.Trap.Stval, f.Trap.Htval)
	if f.Insn != 0 {
		s += fmt.Sprintf(" insn=%#08x (%s)", f.Insn, riscv.Decode(f.Insn, f.Sepc))
	}
	return s
}
