package simplehv

import (
	"fmt"
	"reflect"

	"github.com/lunixbochs/argjoy"
	"github.com/pkg/errors"
)

// SBI extension IDs, passed in a7.
const (
	EID_SET_TIMER       = 0x00
	EID_CONSOLE_PUTCHAR = 0x01
	EID_CONSOLE_GETCHAR = 0x02
	EID_SHUTDOWN        = 0x08
	EID_BASE            = 0x10
	EID_TIME            = 0x54494d45
	EID_IPI             = 0x735049
	EID_RFENCE          = 0x52464e43
	EID_HSM             = 0x48534d
	EID_SRST            = 0x53525354
	EID_DBCN            = 0x4442434e
)

type SbiKind int

const (
	SbiReset SbiKind = iota + 1
	SbiBase
	SbiTimer
	SbiIPI
	SbiRfence
	SbiHsm
	SbiPutChar
	SbiGetChar
	SbiDebugConsole
)

var sbiKindNames = map[SbiKind]string{
	SbiReset:        "Reset",
	SbiBase:         "Base",
	SbiTimer:        "Timer",
	SbiIPI:          "IPI",
	SbiRfence:       "RemoteFence",
	SbiHsm:          "HSM",
	SbiPutChar:      "PutChar",
	SbiGetChar:      "GetChar",
	SbiDebugConsole: "DebugConsole",
}

func (k SbiKind) String() string {
	if name, ok := sbiKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("SbiKind(%d)", int(k))
}

type (
	ResetType   uint32
	ResetReason uint32
	HartMask    uint64
)

// SbiMessage is a decoded guest supervisor call.
type SbiMessage struct {
	Kind SbiKind
	Eid  uint64
	Fid  uint64
	// Reset request fields, set for SbiReset from SRST.
	ResetType   ResetType
	ResetReason ResetReason
	// Args holds the raw argument registers a0-a5.
	Args [6]uint64
}

func (m *SbiMessage) String() string {
	if m.Kind == SbiReset {
		return fmt.Sprintf("%s(type=%#x, reason=%#x)", m.Kind, m.ResetType, m.ResetReason)
	}
	return fmt.Sprintf("%s(eid=%#x, fid=%#x)", m.Kind, m.Eid, m.Fid)
}

var ErrBadSbi = errors.New("bad sbi message")

// Each decoder receives fid then a0.. converted to its parameter types.
var sbiDecoders = map[uint64]interface{}{
	EID_SRST: func(fid uint64, typ ResetType, reason ResetReason) (*SbiMessage, error) {
		if fid != 0 {
			return nil, errors.Wrapf(ErrBadSbi, "SRST function %d", fid)
		}
		return &SbiMessage{Kind: SbiReset, ResetType: typ, ResetReason: reason}, nil
	},
	EID_SHUTDOWN: func() (*SbiMessage, error) {
		return &SbiMessage{Kind: SbiReset}, nil
	},
	EID_BASE: func(fid uint64) (*SbiMessage, error) {
		if fid > 6 {
			return nil, errors.Wrapf(ErrBadSbi, "base function %d", fid)
		}
		return &SbiMessage{Kind: SbiBase}, nil
	},
	EID_SET_TIMER: func() (*SbiMessage, error) { return &SbiMessage{Kind: SbiTimer}, nil },
	EID_TIME: func(fid uint64) (*SbiMessage, error) {
		if fid != 0 {
			return nil, errors.Wrapf(ErrBadSbi, "timer function %d", fid)
		}
		return &SbiMessage{Kind: SbiTimer}, nil
	},
	EID_IPI: func(fid uint64, mask HartMask) (*SbiMessage, error) {
		return &SbiMessage{Kind: SbiIPI}, nil
	},
	EID_RFENCE: func(fid uint64) (*SbiMessage, error) {
		if fid > 6 {
			return nil, errors.Wrapf(ErrBadSbi, "rfence function %d", fid)
		}
		return &SbiMessage{Kind: SbiRfence}, nil
	},
	EID_HSM: func(fid uint64) (*SbiMessage, error) {
		if fid > 3 {
			return nil, errors.Wrapf(ErrBadSbi, "hsm function %d", fid)
		}
		return &SbiMessage{Kind: SbiHsm}, nil
	},
	EID_CONSOLE_PUTCHAR: func(ch byte) (*SbiMessage, error) { return &SbiMessage{Kind: SbiPutChar}, nil },
	EID_CONSOLE_GETCHAR: func() (*SbiMessage, error) { return &SbiMessage{Kind: SbiGetChar}, nil },
	EID_DBCN: func(fid uint64) (*SbiMessage, error) {
		if fid > 2 {
			return nil, errors.Wrapf(ErrBadSbi, "debug console function %d", fid)
		}
		return &SbiMessage{Kind: SbiDebugConsole}, nil
	},
}

// legacy extensions take no function id
var sbiLegacy = map[uint64]bool{EID_SET_TIMER: true, EID_CONSOLE_PUTCHAR: true, EID_CONSOLE_GETCHAR: true, EID_SHUTDOWN: true}

func sbiArgCodec(arg interface{}, vals []interface{}) error {
	reg, ok := vals[0].(uint64)
	if !ok {
		return argjoy.NoMatch
	}
	switch v := arg.(type) {
	case *uint64:
		*v = reg
	case *ResetType:
		*v = ResetType(reg)
	case *ResetReason:
		*v = ResetReason(reg)
	case *HartMask:
		*v = HartMask(reg)
	case *byte:
		*v = byte(reg)
	default:
		return argjoy.NoMatch
	}
	return nil
}

type SbiDecoder struct {
	aj *argjoy.Argjoy
}

func NewSbiDecoder() *SbiDecoder {
	aj := argjoy.NewArgjoy()
	aj.Register(sbiArgCodec)
	aj.Register(argjoy.IntToInt)
	return &SbiDecoder{aj: aj}
}

// Decode decodes the message in a0-a7 (a7 = extension, a6 = function).
func (d *SbiDecoder) Decode(a [8]uint64) (*SbiMessage, error) {
	eid, fid := a[7], a[6]
	fn, ok := sbiDecoders[eid]
	if !ok {
		return nil, errors.Wrapf(ErrBadSbi, "unknown extension %#x", eid)
	}
	vals := make([]interface{}, 0, 7)
	if !sbiLegacy[eid] {
		vals = append(vals, fid)
	}
	for _, v := range a[:6] {
		vals = append(vals, v)
	}
	vals = vals[:reflect.TypeOf(fn).NumIn()]
	out, err := d.aj.Call(fn, vals...)
	if err != nil {
		return nil, errors.Wrapf(err, "decode extension %#x", eid)
	}
	if e, ok := out[1].(error); ok && e != nil {
		return nil, e
	}
	msg := out[0].(*SbiMessage)
	msg.Eid, msg.Fid = eid, fid
	if sbiLegacy[eid] {
		msg.Fid = 0
	}
	copy(msg.Args[:], a[:6])
	return msg, nil
}
