package riscv

import "fmt"

// Exception is a synchronous trap cause as reported in scause.
type Exception uint64

const (
	InstructionMisaligned     Exception = 0
	InstructionFault          Exception = 1
	IllegalInstruction        Exception = 2
	Breakpoint                Exception = 3
	LoadMisaligned            Exception = 4
	LoadFault                 Exception = 5
	StoreMisaligned           Exception = 6
	StoreFault                Exception = 7
	UserEnvCall               Exception = 8
	VirtualSupervisorEnvCall  Exception = 10
	MachineEnvCall            Exception = 11
	InstructionPageFault      Exception = 12
	LoadPageFault             Exception = 13
	StorePageFault            Exception = 15
	InstructionGuestPageFault Exception = 20
	LoadGuestPageFault        Exception = 21
	VirtualInstruction        Exception = 22
	StoreGuestPageFault       Exception = 23
)

// Interrupt causes have the top bit set.
const InterruptBit = 1 << 63

var exceptionNames = map[Exception]string{
	InstructionMisaligned:     "InstructionMisaligned",
	InstructionFault:          "InstructionFault",
	IllegalInstruction:        "IllegalInstruction",
	Breakpoint:                "Breakpoint",
	LoadMisaligned:            "LoadMisaligned",
	LoadFault:                 "LoadFault",
	StoreMisaligned:           "StoreMisaligned",
	StoreFault:                "StoreFault",
	UserEnvCall:               "UserEnvCall",
	VirtualSupervisorEnvCall:  "VirtualSupervisorEnvCall",
	MachineEnvCall:            "MachineEnvCall",
	InstructionPageFault:      "InstructionPageFault",
	LoadPageFault:             "LoadPageFault",
	StorePageFault:            "StorePageFault",
	InstructionGuestPageFault: "InstructionGuestPageFault",
	LoadGuestPageFault:        "LoadGuestPageFault",
	VirtualInstruction:        "VirtualInstruction",
	StoreGuestPageFault:       "StoreGuestPageFault",
}

func (e Exception) String() string {
	if e&InterruptBit != 0 {
		return fmt.Sprintf("Interrupt(%d)", uint64(e&^InterruptBit))
	}
	if name, ok := exceptionNames[e]; ok {
		return name
	}
	return fmt.Sprintf("Exception(%d)", uint64(e))
}

// IsGuestPageFault reports whether e is one of the stage-2 fault causes.
func (e Exception) IsGuestPageFault() bool {
	return e == InstructionGuestPageFault || e == LoadGuestPageFault || e == StoreGuestPageFault
}
