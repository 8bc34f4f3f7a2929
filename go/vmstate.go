package simplehv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/mm"
	"github.com/simplehv/simplehv/go/models"
)

// vm state format:
//
// header (struc, big endian)
//   [4]byte magic "SHVS", uint32 version, [16]byte arch,
//   uint32 crc32 of compressed body, uint64 compressed length
// body, snappy compressed
//   vcpuRecord
//   uint32 number of regions
//   1..num: regionRecord, then End-Start bytes of memory for alloc regions

var STATE_MAGIC = "SHVS"

const stateVersion = 1

// snapshot bodies larger than this are rejected, compressed or not
const maxStateSize int64 = 1 << 32

type stateHeader struct {
	Magic   string `struc:"[4]byte"`
	Version uint32
	Arch    string `struc:"[16]byte"`
	Crc     uint32
	BodyLen uint64
}

type vcpuRecord struct {
	Gprs    [32]uint64
	Sstatus uint64
	Hstatus uint64
	Sepc    uint64
	Vsatp   uint64
	Cause   uint64
	Stval   uint64
	Htval   uint64
	Htinst  uint64
}

type regionRecord struct {
	Start  uint64
	End    uint64
	Flags  uint32
	Linear uint8
	PA     uint64
}

// StateRegion is one address space region of a snapshot. Data is nil for linear
// regions, which alias memory owned elsewhere.
type StateRegion struct {
	mm.Region
	Data []byte
}

type VmState struct {
	Ctx     models.VmCpuRegisters
	Regions []StateRegion
}

var stateOrder = binary.BigEndian

// SaveState writes the vcpu context and the guest memory of as to w.
func SaveState(w io.Writer, ctx *models.VmCpuRegisters, as *mm.AddrSpace) error {
	var body bytes.Buffer
	s := models.StrucStream{Stream: &body, Order: stateOrder}
	rec := &vcpuRecord{
		Gprs:    ctx.Guest.Gprs,
		Sstatus: ctx.Guest.Sstatus,
		Hstatus: ctx.Guest.Hstatus,
		Sepc:    ctx.Guest.Sepc,
		Vsatp:   ctx.VS.Vsatp,
		Cause:   ctx.Trap.Cause,
		Stval:   ctx.Trap.Stval,
		Htval:   ctx.Trap.Htval,
		Htinst:  ctx.Trap.Htinst,
	}
	regions := as.Regions()
	if err := s.Pack(rec, uint32(len(regions))); err != nil {
		return errors.Wrap(err, "pack vcpu")
	}
	page := make([]byte, mm.PageSize)
	for _, r := range regions {
		var linear uint8
		if r.Linear {
			linear = 1
		}
		if err := s.Pack(&regionRecord{r.Start, r.End, uint32(r.Flags), linear, r.PA}); err != nil {
			return errors.Wrap(err, "pack region")
		}
		if r.Linear {
			continue
		}
		for va := r.Start; va < r.End; va += mm.PageSize {
			// untouched lazy pages read as zero without being populated
			if pa, _, _, err := as.Query(va); err == nil {
				if err := as.Phys().Read(pa, page); err != nil {
					return errors.Wrapf(err, "read %#x", va)
				}
			} else {
				for i := range page {
					page[i] = 0
				}
			}
			body.Write(page)
		}
	}
	data := snappy.Encode(nil, body.Bytes())
	header := &stateHeader{
		Magic:   STATE_MAGIC,
		Version: stateVersion,
		Arch:    riscv.Arch.Name,
		Crc:     crc32.ChecksumIEEE(data),
		BodyLen: uint64(len(data)),
	}
	if err := struc.PackWithOrder(w, header, stateOrder); err != nil {
		return errors.Wrap(err, "failed to pack header")
	}
	_, err := w.Write(data)
	return errors.WithStack(err)
}

// LoadState parses a snapshot written by SaveState.
func LoadState(r io.Reader) (*VmState, error) {
	var header stateHeader
	if err := struc.UnpackWithOrder(r, &header, stateOrder); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if header.Magic != STATE_MAGIC {
		return nil, errors.New("invalid vm state magic")
	}
	if header.Version != stateVersion {
		return nil, errors.Errorf("unsupported vm state version %d", header.Version)
	}
	if arch := strings.TrimRight(header.Arch, "\x00"); arch != riscv.Arch.Name {
		return nil, errors.Errorf("vm state is for %s", arch)
	}
	if header.BodyLen > uint64(maxStateSize) {
		return nil, errors.Errorf("vm state body of %d bytes", header.BodyLen)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(io.LimitReader(r, int64(header.BodyLen))); err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if uint64(buf.Len()) != header.BodyLen {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "body is %d of %d bytes", buf.Len(), header.BodyLen)
	}
	data := buf.Bytes()
	if crc32.ChecksumIEEE(data) != header.Crc {
		return nil, errors.New("vm state checksum mismatch")
	}
	if n, err := snappy.DecodedLen(data); err != nil {
		return nil, errors.Wrap(err, "decompress body")
	} else if int64(n) > maxStateSize {
		return nil, errors.Errorf("decompressed body of %d bytes", n)
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "decompress body")
	}
	body := bytes.NewBuffer(raw)
	s := models.StrucStream{Stream: body, Order: stateOrder}
	var rec vcpuRecord
	var count uint32
	if err := s.Unpack(&rec, &count); err != nil {
		return nil, errors.Wrap(err, "unpack vcpu")
	}
	st := &VmState{}
	st.Ctx.Guest = models.GuestRegs{Gprs: rec.Gprs, Sstatus: rec.Sstatus, Hstatus: rec.Hstatus, Sepc: rec.Sepc}
	st.Ctx.VS.Vsatp = rec.Vsatp
	st.Ctx.Trap = models.TrapEvent{Cause: rec.Cause, Stval: rec.Stval, Htval: rec.Htval, Htinst: rec.Htinst}
	for i := uint32(0); i < count; i++ {
		var rr regionRecord
		if err := s.Unpack(&rr); err != nil {
			return nil, errors.Wrapf(err, "unpack region %d", i)
		}
		if rr.End <= rr.Start {
			return nil, errors.Errorf("bad region %#x-%#x", rr.Start, rr.End)
		}
		sr := StateRegion{Region: mm.Region{
			Start: rr.Start, End: rr.End, Flags: models.MappingFlags(rr.Flags), Linear: rr.Linear != 0, PA: rr.PA,
		}}
		if !sr.Linear {
			if rr.End-rr.Start > uint64(body.Len()) {
				return nil, errors.Errorf("region %#x-%#x: truncated data", rr.Start, rr.End)
			}
			sr.Data = body.Next(int(rr.End - rr.Start))
		}
		st.Regions = append(st.Regions, sr)
	}
	return st, nil
}

// Restore maps and fills the snapshot's alloc regions in as. Linear regions point
// at host frames of the saving process and are left to a new Binding.
func (st *VmState) Restore(as *mm.AddrSpace) error {
	for _, r := range st.Regions {
		if r.Linear {
			continue
		}
		size := r.End - r.Start
		if err := as.MapAlloc(r.Start, size, r.Flags, true); err != nil {
			return errors.Wrapf(err, "restore %s", &r.Region)
		}
		if err := as.Write(r.Start, r.Data); err != nil {
			return errors.Wrapf(err, "restore %s", &r.Region)
		}
	}
	return nil
}

func (st *VmState) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sepc %#x vsatp %#x trap %s\n", st.Ctx.Guest.Sepc, st.Ctx.VS.Vsatp, st.Ctx.Trap)
	for i := range st.Regions {
		fmt.Fprintf(&b, "  %s\n", &st.Regions[i].Region)
	}
	return b.String()
}
