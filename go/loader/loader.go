package loader

import (
	"github.com/pkg/errors"
)

const pageSize = 0x1000

var (
	ErrBadHeader = errors.New("bad ELF header")
	ErrBadPhdr   = errors.New("bad program header table")
	ErrShortRead = errors.New("unexpected end of image")
	ErrEmpty     = errors.New("empty image")
)

type LoaderHeader struct {
	format string
	entry  uint64
	interp string
}

func (l *LoaderHeader) Format() string {
	return l.format
}

func (l *LoaderHeader) Entry() uint64 {
	return l.entry
}

func (l *LoaderHeader) Interp() string {
	return l.interp
}
