package riscv

import (
	"github.com/simplehv/simplehv/go/models"
)

var Arch = &models.Arch{
	Name: "riscv64",
	Bits: 64,
	PC:   PC,
	SP:   SP,
	Regs: map[int]string{PC: "pc"},
}

func init() {
	for i := 1; i < len(regNames); i++ {
		Arch.Regs[i] = regNames[i]
	}
}
