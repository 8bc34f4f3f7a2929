package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/simplehv/simplehv/go/mm"
	"github.com/simplehv/simplehv/go/models"
)

const flatBase = 0x80200000

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newSpace(t *testing.T) *mm.AddrSpace {
	phys, err := mm.NewPhysMem(0x90000000, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { phys.Close() })
	as, err := mm.NewAddrSpace(phys)
	if err != nil {
		t.Fatal(err)
	}
	return as
}

func writeFile(t *testing.T, data []byte) string {
	path := filepath.Join(t.TempDir(), "image")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func buildElf(t *testing.T, entry uint64, progs ...Prog) []byte {
	var buf bytes.Buffer
	if err := WriteElf(&buf, entry, progs); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestMagicRewinds(t *testing.T) {
	r := bytes.NewReader(append([]byte{}, elfMagic...))
	r.Seek(2, io.SeekStart)
	if !MatchElf(r) {
		t.Fatal("elf magic not matched")
	}
	if pos, _ := r.Seek(0, io.SeekCurrent); pos != 0 {
		t.Fatalf("magic detection left offset at %d", pos)
	}
	if MatchElf(bytes.NewReader([]byte{0x7f, 'E'})) {
		t.Fatal("short file matched")
	}
}

func TestFlatLoadsAtBase(t *testing.T) {
	image := make([]byte, 4096)
	copy(image, []byte{0xaa, 0xbb, 0xcc, 0xdd})
	image[4095] = 0xee
	as := newSpace(t)
	entry, err := LoadImage(writeFile(t, image), as, flatBase, testLog())
	if err != nil {
		t.Fatal(err)
	}
	if entry != flatBase {
		t.Fatalf("entry %#x != base %#x", entry, flatBase)
	}
	out := make([]byte, len(image))
	if err := as.Read(flatBase, out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, image) {
		t.Fatal("flat image not loaded verbatim")
	}
	_, flags, _, err := as.Query(flatBase)
	if err != nil || flags != models.MAP_RWXU {
		t.Fatalf("flat mapping flags %s err %v", flags, err)
	}
}

func TestFlatRoundsUp(t *testing.T) {
	as := newSpace(t)
	if _, err := LoadImage(writeFile(t, []byte{1, 2, 3}), as, flatBase, testLog()); err != nil {
		t.Fatal(err)
	}
	tail := make([]byte, 4093)
	if err := as.Read(flatBase+3, tail); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tail, make([]byte, len(tail))) {
		t.Fatal("page tail not zero")
	}
	if err := as.Read(flatBase+0x1000, tail[:1]); errors.Cause(err) != mm.ErrNotMapped {
		t.Fatalf("flat image mapped past one page: %v", err)
	}
}

func TestFlatEmpty(t *testing.T) {
	_, err := LoadImage(writeFile(t, nil), newSpace(t), flatBase, testLog())
	if errors.Cause(err) != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestElfZeroFillsBss(t *testing.T) {
	content := bytes.Repeat([]byte{0x01}, 16)
	image := buildElf(t, 0x1000, Prog{Type: elf.PT_LOAD, Vaddr: 0x1000, Data: content, Memsz: 4096, Flags: models.MAP_READ | models.MAP_EXEC})
	as := newSpace(t)
	entry, err := LoadImage(writeFile(t, image), as, flatBase, testLog())
	if err != nil {
		t.Fatal(err)
	}
	if entry != 0x1000 {
		t.Fatalf("entry %#x", entry)
	}
	out := make([]byte, 4096)
	if err := as.Read(0x1000, out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out[:16], content) {
		t.Fatalf("file bytes mismatch: %x", out[:16])
	}
	if !bytes.Equal(out[16:], make([]byte, 4096-16)) {
		t.Fatal("bss not zeroed")
	}
}

func TestElfSegments(t *testing.T) {
	// text and data share page 0x2000
	text := bytes.Repeat([]byte{0x13}, 0x1100)
	data := []byte("guest data")
	image := buildElf(t, 0x1000,
		Prog{Type: elf.PT_INTERP, Data: []byte("/lib/ld.so\x00")},
		Prog{Type: elf.PT_LOAD, Vaddr: 0x1000, Data: text, Flags: models.MAP_READ | models.MAP_EXEC},
		Prog{Type: elf.PT_LOAD, Vaddr: 0x2200, Data: data, Memsz: 0x2000, Flags: models.MAP_READ | models.MAP_WRITE},
	)
	l, err := Load(bytes.NewReader(image), flatBase)
	if err != nil {
		t.Fatal(err)
	}
	if l.Format() != "elf" || l.Interp() != "/lib/ld.so" {
		t.Fatalf("format %q interp %q", l.Format(), l.Interp())
	}
	segs, err := l.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 2 {
		t.Fatalf("interp segment should not be loadable; got %d segments", len(segs))
	}
	if segs[1].Prot != int(models.MAP_READ|models.MAP_WRITE) {
		t.Fatalf("prot %s", models.MappingFlags(segs[1].Prot))
	}
	as := newSpace(t)
	if err := Populate(l, as, testLog()); err != nil {
		t.Fatal(err)
	}
	for _, seg := range segs {
		want, _ := seg.Data()
		got := make([]byte, seg.MemSize)
		if err := as.Read(seg.Addr, got); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got[:seg.FileSize], want) {
			t.Fatalf("segment %s: data mismatch", &seg)
		}
		if !bytes.Equal(got[seg.FileSize:], make([]byte, seg.MemSize-seg.FileSize)) {
			t.Fatalf("segment %s: tail not zero", &seg)
		}
	}
	if len(as.Regions()) != 1 {
		t.Fatalf("contiguous segments should share one region: %v", as.Regions())
	}
}

func patchHeader(image []byte, off int, val uint16) []byte {
	out := append([]byte{}, image...)
	binary.LittleEndian.PutUint16(out[off:], val)
	return out
}

// patchProg overwrites a 64-bit field of the first program header.
func patchProg(image []byte, field int, val uint64) []byte {
	out := append([]byte{}, image...)
	binary.LittleEndian.PutUint64(out[elf64HeaderSize+field:], val)
	return out
}

// 64-bit phdr field offsets
const (
	phOff    = 8
	phVaddr  = 16
	phFilesz = 32
	phMemsz  = 40
)

func TestElfBadPhdr(t *testing.T) {
	image := buildElf(t, 0x1000, Prog{Type: elf.PT_LOAD, Vaddr: 0x1000, Data: []byte{1}})
	interp := buildElf(t, 0x1000,
		Prog{Type: elf.PT_INTERP, Data: []byte("/lib/ld.so\x00")},
		Prog{Type: elf.PT_LOAD, Vaddr: 0x1000, Data: []byte{1}},
	)
	// e_phentsize at 54, e_phnum at 56
	cases := map[string][]byte{
		"entsize":     patchHeader(image, 54, 32),
		"zero":        patchHeader(image, 56, 0),
		"too many":    patchHeader(image, 56, 74),
		"huge interp": patchProg(patchProg(interp, phFilesz, 1<<62), phMemsz, 1<<62),
		"vaddr wraps": patchProg(image, phVaddr, 0xfffffffffffff000),
		"off wraps":   patchProg(image, phOff, ^uint64(0)),
	}
	for name, img := range cases {
		if _, err := Load(bytes.NewReader(img), flatBase); errors.Cause(err) != ErrBadPhdr {
			t.Errorf("%s: expected ErrBadPhdr, got %v", name, err)
		}
	}
}

func TestElfBadHeader(t *testing.T) {
	image := buildElf(t, 0x1000, Prog{Type: elf.PT_LOAD, Vaddr: 0x1000, Data: []byte{1}})
	cases := map[string][]byte{
		"class":     append(append([]byte{}, image[:4]...), append([]byte{9}, image[5:]...)...),
		"machine":   patchHeader(image, 18, uint16(elf.EM_X86_64)),
		"truncated": image[:40],
	}
	for name, img := range cases {
		if _, err := Load(bytes.NewReader(img), flatBase); errors.Cause(err) != ErrBadHeader {
			t.Errorf("%s: expected ErrBadHeader, got %v", name, err)
		}
	}
}

func TestElfShortSegment(t *testing.T) {
	image := buildElf(t, 0x1000, Prog{Type: elf.PT_LOAD, Vaddr: 0x1000, Data: bytes.Repeat([]byte{1}, 64)})
	truncated := image[:len(image)-32]
	_, err := LoadImage(writeFile(t, truncated), newSpace(t), flatBase, testLog())
	if errors.Cause(err) != ErrShortRead {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
	// filesz past the end of the image is rejected before any allocation
	huge := patchProg(patchProg(image, phFilesz, 1<<40), phMemsz, 1<<40)
	if _, err := Load(bytes.NewReader(huge), flatBase); errors.Cause(err) != ErrShortRead {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

// oneByteReader returns at most one byte per Read to exercise the partial read loop.
type oneByteReader struct{ *bytes.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.Reader.Read(p)
}

func TestPartialReads(t *testing.T) {
	content := bytes.Repeat([]byte{0x5a}, 300)
	image := buildElf(t, 0x1000, Prog{Type: elf.PT_LOAD, Vaddr: 0x1000, Data: content})
	l, err := Load(oneByteReader{bytes.NewReader(image)}, flatBase)
	if err != nil {
		t.Fatal(err)
	}
	segs, _ := l.Segments()
	data, err := segs[0].Data()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, content) {
		t.Fatal("partial reads lost data")
	}
}
