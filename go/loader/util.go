package loader

import (
	"io"

	"github.com/pkg/errors"
)

// getMagic reads the first four bytes and rewinds, so detection does not consume input.
// Files shorter than four bytes return a short magic.
func getMagic(r io.ReadSeeker) ([]byte, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seek")
	}
	ret := make([]byte, 4)
	n, err := io.ReadFull(r, ret)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, errors.Wrap(err, "read magic")
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seek")
	}
	return ret[:n], nil
}

// readAt fills p from offset off, retrying partial reads. Running out of input
// before p is full is ErrShortRead.
func readAt(r io.ReadSeeker, p []byte, off uint64) error {
	if _, err := r.Seek(int64(off), io.SeekStart); err != nil {
		return errors.Wrapf(err, "seek to %#x", off)
	}
	for got := 0; got < len(p); {
		n, err := r.Read(p[got:])
		got += n
		if err == io.EOF {
			if got < len(p) {
				return errors.Wrapf(ErrShortRead, "%d of %d bytes at %#x", got, len(p), off)
			}
			break
		}
		if err != nil {
			return errors.Wrapf(err, "read at %#x", off+uint64(got))
		}
	}
	return nil
}

func roundUp(v, to uint64) uint64 {
	return (v + to - 1) &^ (to - 1)
}
