package loader

import (
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/simplehv/simplehv/go/models"
)

// Load parses an image from r: ELF when the magic matches, otherwise a flat binary
// placed at flatBase.
func Load(r io.ReadSeeker, flatBase uint64) (models.Loader, error) {
	if MatchElf(r) {
		return NewElfLoader(r)
	}
	return NewFlatLoader(r, flatBase)
}

// LoadFile parses the image at path. The file stays open as long as the
// returned loader's segment data may be read; close it with the returned func.
func LoadFile(path string, flatBase uint64) (models.Loader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	l, err := Load(f, flatBase)
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "load %s", path)
	}
	return l, f.Close, nil
}

// Populate maps and fills guest memory for every loadable segment of l.
// Segments sharing a page are mapped once.
func Populate(l models.Loader, as models.AddressSpace, log logrus.FieldLogger) error {
	segs, err := l.Segments()
	if err != nil {
		return err
	}
	ranges := make([]models.Segment, 0, len(segs))
	for _, seg := range segs {
		if seg.MemSize > 0 {
			ranges = append(ranges, models.PageAlign(seg.Addr, seg.MemSize))
		}
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	var regions []*models.Segment
	for i := range ranges {
		r := &ranges[i]
		if n := len(regions); n > 0 && (regions[n-1].Overlaps(r) || regions[n-1].End == r.Start) {
			regions[n-1].Merge(r)
			continue
		}
		regions = append(regions, r)
	}
	for _, r := range regions {
		log.Debugf("map %#x-%#x %s", r.Start, r.End, models.MAP_RWXU)
		if err := as.MapAlloc(r.Start, r.End-r.Start, models.MAP_RWXU, true); err != nil {
			return errors.Wrapf(err, "map segment %#x-%#x", r.Start, r.End)
		}
	}
	for _, seg := range segs {
		data, err := seg.Data()
		if err != nil {
			return errors.Wrapf(err, "read segment %s", &seg)
		}
		buf := make([]byte, seg.MemSize)
		copy(buf, data)
		if err := as.Write(seg.Addr, buf); err != nil {
			return errors.Wrapf(err, "write segment %s", &seg)
		}
		if pa, _, _, err := as.Query(seg.Addr); err == nil {
			log.Infof("loaded %s at paddr %#x", &seg, pa)
		}
	}
	return nil
}

// LoadImage loads the image at path into as and returns its entry point.
func LoadImage(path string, as models.AddressSpace, flatBase uint64, log logrus.FieldLogger) (uint64, error) {
	l, closer, err := LoadFile(path, flatBase)
	if err != nil {
		return 0, err
	}
	defer closer()
	log.Infof("image %s: %s, entry %#x", path, l.Format(), l.Entry())
	if interp := l.Interp(); interp != "" {
		log.Warnf("ignoring interpreter %s", interp)
	}
	if err := Populate(l, as, log); err != nil {
		return 0, err
	}
	return l.Entry(), nil
}
