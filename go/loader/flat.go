package loader

import (
	"io"

	"github.com/pkg/errors"

	"github.com/simplehv/simplehv/go/models"
)

// FlatLoader places a raw binary verbatim at a fixed base; entry is the base.
type FlatLoader struct {
	LoaderHeader
	data []byte
}

func NewFlatLoader(r io.ReadSeeker, base uint64) (*FlatLoader, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seek")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read flat image")
	}
	if len(data) == 0 {
		return nil, errors.WithStack(ErrEmpty)
	}
	return &FlatLoader{
		LoaderHeader: LoaderHeader{format: "flat", entry: base},
		data:         data,
	}, nil
}

func (f *FlatLoader) Segments() ([]models.SegmentData, error) {
	size := uint64(len(f.data))
	return []models.SegmentData{{
		Addr:     f.entry,
		FileSize: size,
		MemSize:  roundUp(size, pageSize),
		Prot:     int(models.MAP_RWXU),
		DataFunc: func() ([]byte, error) { return f.data, nil },
	}}, nil
}
