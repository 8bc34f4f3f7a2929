package models

import (
	"sort"

	"github.com/lunixbochs/fvbommel-util/sortorder"
)

type Reg struct {
	Enum int
	Name string
}

type RegVal struct {
	Reg
	Val uint64
}

type regList []Reg

func (r regList) Len() int           { return len(r) }
func (r regList) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }
func (r regList) Less(i, j int) bool { return sortorder.NaturalLess(r[i].Name, r[j].Name) }

type regMap map[int]string

func (r regMap) Items() regList {
	ret := make(regList, 0, len(r))
	for e, n := range r {
		ret = append(ret, Reg{e, n})
	}
	return ret
}

// Arch names the register file of a guest architecture.
type Arch struct {
	Name string
	Bits int
	PC   int
	SP   int
	Regs regMap

	// sorted for RegDump
	regList regList
}

func (a *Arch) RegNames() []string {
	a.sortRegs()
	ret := make([]string, len(a.regList))
	for i, r := range a.regList {
		ret[i] = r.Name
	}
	return ret
}

func (a *Arch) sortRegs() {
	if a.regList == nil || len(a.regList) != len(a.Regs) {
		a.regList = a.Regs.Items()
		sort.Sort(a.regList)
	}
}

// RegDump reads every named register through read, in natural name order.
func (a *Arch) RegDump(read func(enum int) uint64) []RegVal {
	a.sortRegs()
	ret := make([]RegVal, len(a.regList))
	for i, r := range a.regList {
		ret[i] = RegVal{r, read(r.Enum)}
	}
	return ret
}
