package simplehv

import (
	"fmt"
	"sort"
	"strings"

	"github.com/simplehv/simplehv/go/arch/riscv"
)

// ExitStats counts VM exits by trap cause.
type ExitStats struct {
	Total  uint64
	causes map[riscv.Exception]uint64
}

func NewExitStats() *ExitStats {
	return &ExitStats{causes: make(map[riscv.Exception]uint64)}
}

func (s *ExitStats) Record(cause riscv.Exception) {
	s.Total++
	s.causes[cause]++
}

func (s *ExitStats) Count(cause riscv.Exception) uint64 {
	return s.causes[cause]
}

func (s *ExitStats) String() string {
	keys := make([]riscv.Exception, 0, len(s.causes))
	for k := range s.causes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, s.causes[k])
	}
	return fmt.Sprintf("%d exits [%s]", s.Total, strings.Join(parts, " "))
}
