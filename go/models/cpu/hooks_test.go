package cpu

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/pkg/errors"
)

func callAll(h *Hooks) {
	h.OnCode(0x1001, 2)
	h.OnIntr(3)
	h.OnMem(MEM_WRITE, 0x1002, 4, -1)
	h.OnFault(MEM_WRITE_UNMAPPED, 0x1003, 8, -2)
}

func makeHooks() (*Mem, *Hooks) {
	mem := NewMem(64, binary.LittleEndian)
	return mem, NewHooks(nil, mem)
}

// it must be safe to dispatch all hooks while empty
func TestHooksEmpty(t *testing.T) {
	_, h := makeHooks()
	callAll(h)
}

func strseq(a []string, b []string) error {
	if len(a) != len(b) {
		return errors.Errorf("output list length mismatch: %v != %v", a, b)
	}
	for i, v := range a {
		if v != b[i] {
			return errors.Errorf("output list value mismatch: %s != %s", v, b[i])
		}
	}
	return nil
}

func TestHooks(t *testing.T) {
	_, h := makeHooks()
	compare := []string{
		"code(0x1001, 0x2)", "intr(3)",
		"mem(16, 0x1002, 4, -0x1)", "fault(20, 0x1003, 8, -0x2)",
	}
	var results []string
	codeCb := func(_ Cpu, addr uint64, size uint32) {
		results = append(results, fmt.Sprintf("code(%#x, %#x)", addr, size))
	}
	intrCb := func(_ Cpu, intno uint32) {
		results = append(results, fmt.Sprintf("intr(%d)", intno))
	}
	writeCb := func(_ Cpu, access int, addr uint64, size int, val int64) {
		results = append(results, fmt.Sprintf("mem(%d, %#x, %d, %#x)", access, addr, size, val))
	}
	faultCb := func(_ Cpu, access int, addr uint64, size int, val int64) bool {
		results = append(results, fmt.Sprintf("fault(%d, %#x, %d, %#x)", access, addr, size, val))
		return val == 42
	}
	var hooks []Hook
	addHooks := func() {
		for _, v := range []struct {
			htype int
			cb    interface{}
		}{
			{HOOK_CODE, codeCb},
			{HOOK_INTR, intrCb},
			{HOOK_MEM_WRITE, writeCb},
			{HOOK_MEM_ERR, faultCb},
		} {
			hh, err := h.HookAdd(v.htype, v.cb, 1, 0)
			if err != nil {
				t.Fatal(err)
			}
			hooks = append(hooks, hh)
		}
	}
	removeHooks := func() {
		for _, v := range hooks {
			if err := h.HookDel(v); err != nil {
				t.Fatal(err)
			}
		}
		hooks = nil
	}
	addHooks()
	callAll(h)
	if err := strseq(results, compare); err != nil {
		t.Fatal(err)
	}
	results = nil

	removeHooks()
	addHooks()
	removeHooks()
	addHooks()
	callAll(h)
	if err := strseq(results, compare); err != nil {
		t.Fatal(err)
	}
	results = nil

	if !h.OnFault(MEM_WRITE_UNMAPPED, 0, 0, 42) {
		t.Fatal("OnFault positive return does not seem to work")
	}
	if h.OnFault(MEM_WRITE_UNMAPPED, 0, 0, 0) {
		t.Fatal("OnFault negative return does not seem to work")
	}
}

func TestHookRange(t *testing.T) {
	_, h := makeHooks()
	var hits []uint64
	h.HookAdd(HOOK_CODE, func(_ Cpu, addr uint64, size uint32) {
		hits = append(hits, addr)
	}, 0x1000, 0x1fff)
	for _, addr := range []uint64{0, 0x1000, 0x1fff, 0x2000} {
		h.OnCode(addr, 4)
	}
	if err := strseq([]string{fmt.Sprint(hits)}, []string{"[4096 8191]"}); err != nil {
		t.Fatal(err)
	}
}

func TestHookBadCallback(t *testing.T) {
	_, h := makeHooks()
	if _, err := h.HookAdd(HOOK_CODE, func() {}, 1, 0); err == nil {
		t.Fatal("mismatched callback accepted")
	}
	if _, err := h.HookAdd(12345, func() {}, 1, 0); err == nil {
		t.Fatal("unknown hook type accepted")
	}
}

func TestMemHookDispatch(t *testing.T) {
	mem, h := makeHooks()
	var faults, writes int
	h.HookAdd(HOOK_MEM_ERR, func(_ Cpu, access int, addr uint64, size int, val int64) bool {
		faults++
		return false
	}, 1, 0)
	h.HookAdd(HOOK_MEM_WRITE, func(_ Cpu, access int, addr uint64, size int, val int64) {
		writes++
	}, 1, 0)
	mem.MemMapProt(0x1000, 0x1000, PROT_READ|PROT_WRITE)
	mem.WriteUint(0x1000, 8, PROT_WRITE, 1)
	mem.WriteUint(0x5000, 8, PROT_WRITE, 1)
	mem.ReadUint(0x5000, 8, PROT_READ)
	if writes != 1 || faults != 2 {
		t.Fatalf("writes=%d faults=%d, want 1 and 2", writes, faults)
	}
}
