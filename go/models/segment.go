package models

import "fmt"

// SegmentData describes one loadable region of a guest image.
type SegmentData struct {
	Off      uint64
	Addr     uint64
	FileSize uint64
	MemSize  uint64
	Prot     int
	DataFunc func() ([]byte, error)
}

// Data returns the first FileSize bytes of the segment.
func (s *SegmentData) Data() ([]byte, error) {
	return s.DataFunc()
}

func (s *SegmentData) String() string {
	return fmt.Sprintf("%#x-%#x off=%#x filesz=%#x", s.Addr, s.Addr+s.MemSize, s.Off, s.FileSize)
}

type Segment struct {
	Start, End uint64
}

func (s *Segment) Overlaps(o *Segment) bool {
	return (s.Start >= o.Start && s.Start < o.End) || (o.Start >= s.Start && o.Start < s.End)
}

func (s *Segment) Merge(o *Segment) {
	if s.Start > o.Start {
		s.Start = o.Start
	}
	if s.End < o.End {
		s.End = o.End
	}
}

// PageAlign returns the page-aligned region covering [addr, addr+size).
func PageAlign(addr, size uint64) Segment {
	return Segment{Start: addr &^ 0xfff, End: (addr + size + 0xfff) &^ 0xfff}
}
