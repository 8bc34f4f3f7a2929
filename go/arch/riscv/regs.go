package riscv

// General purpose register indices, named by their ABI role.
const (
	ZERO = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

// PC is not a GPR; it shares the register enum space so it can be dumped with the rest.
const PC = 32

var regNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// RegName returns the ABI name of GPR i.
func RegName(i int) string {
	if i == PC {
		return "pc"
	}
	if i < 0 || i >= len(regNames) {
		return "x?"
	}
	return regNames[i]
}
