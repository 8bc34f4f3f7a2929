package simplehv

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/simplehv/simplehv/go/arch/riscv"
	"github.com/simplehv/simplehv/go/loader"
	"github.com/simplehv/simplehv/go/mm"
	"github.com/simplehv/simplehv/go/models"
	"github.com/simplehv/simplehv/go/models/cpu"
)

// Hypervisor owns the single guest: its memory, its hart and its vcpu context.
type Hypervisor struct {
	Config *models.Config
	Log    *logrus.Logger

	phys       *mm.PhysMem
	as         *mm.AddrSpace
	hart       models.Hart
	binding    *Binding
	dispatcher *Dispatcher
	reporter   *Reporter

	ctx        models.VmCpuRegisters
	entry      uint64
	loaded     bool
	configured bool
}

func NewLogger(cfg *models.Config) *logrus.Logger {
	log := logrus.New()
	log.Out = cfg.Output
	log.Formatter = &logrus.TextFormatter{DisableTimestamp: true, ForceColors: cfg.Color, DisableColors: !cfg.Color}
	log.Level = logrus.InfoLevel
	if cfg.Verbose || cfg.Trace {
		log.Level = logrus.DebugLevel
	}
	return log
}

func NewHypervisor(cfg *models.Config) (*Hypervisor, error) {
	if cfg == nil {
		cfg = models.NewConfig()
	}
	cfg.Init()
	if err := cfg.Validate(); err != nil {
		return nil, newError(ConfigError, err)
	}
	log := NewLogger(cfg)
	phys, err := mm.NewPhysMem(cfg.RAMBase, cfg.RAMSize)
	if err != nil {
		return nil, newError(MemoryError, err)
	}
	as, err := mm.NewAddrSpace(phys)
	if err != nil {
		phys.Close()
		return nil, newError(MemoryError, err)
	}
	hart, err := newHart(phys, cfg)
	if err != nil {
		phys.Close()
		return nil, err
	}
	h := &Hypervisor{
		Config:     cfg,
		Log:        log,
		phys:       phys,
		as:         as,
		hart:       hart,
		binding:    NewBinding(as, hart, cfg.Stage1, log),
		dispatcher: NewDispatcher(hart, as, cfg, log),
		reporter:   NewReporter(cfg.Color),
	}
	if cfg.Trace {
		if err := h.addTrace(); err != nil {
			h.Close()
			return nil, err
		}
	}
	log.Debugf("host ram %s, backend %s", phys, cfg.Backend)
	return h, nil
}

type hooker interface {
	HookAdd(htype int, cb interface{}, start uint64, end uint64) (cpu.Hook, error)
}

// addTrace logs every guest instruction on harts that support code hooks.
func (h *Hypervisor) addTrace() error {
	hk, ok := h.hart.(hooker)
	if !ok {
		h.Log.Warnf("backend %s does not support tracing", h.Config.Backend)
		return nil
	}
	_, err := hk.HookAdd(cpu.HOOK_CODE, func(_ cpu.Cpu, addr uint64, size uint32) {
		pa := addr
		if riscv.ATPMode(h.ctx.VS.Vsatp) != riscv.ATP_MODE_BARE {
			var err error
			if pa, _, _, err = h.as.Query(addr); err != nil {
				return
			}
		}
		var buf [4]byte
		if err := h.hart.ReadPhys(pa, buf[:]); err != nil {
			return
		}
		word := binary.LittleEndian.Uint32(buf[:])
		h.Log.Debugf("%#x: %08x  %s", addr, word, riscv.Decode(word, addr))
	}, 1, 0)
	return err
}

func (h *Hypervisor) AddrSpace() *mm.AddrSpace        { return h.as }
func (h *Hypervisor) Hart() models.Hart               { return h.hart }
func (h *Hypervisor) Context() *models.VmCpuRegisters { return &h.ctx }
func (h *Hypervisor) Entry() uint64                   { return h.entry }
func (h *Hypervisor) Stats() *ExitStats               { return h.dispatcher.Stats }
func (h *Hypervisor) Dispatch() (Outcome, error)      { return h.dispatcher.Dispatch(&h.ctx) }
func (h *Hypervisor) Configured() bool                { return h.configured }

// Load loads the guest image at path into the guest address space.
func (h *Hypervisor) Load(path string) error {
	if h.loaded {
		return newError(ConfigError, errors.New("guest image already loaded"))
	}
	entry, err := loader.LoadImage(path, h.as, h.Config.FlatBase, h.Log)
	if err != nil {
		return classifyLoad(err)
	}
	h.entry, h.loaded = entry, true
	return nil
}

// Configure binds guest translation and prepares the vcpu to enter at the image entry.
func (h *Hypervisor) Configure() error {
	if !h.loaded {
		return newError(ConfigError, errors.New("no guest image loaded"))
	}
	if err := h.binding.Configure(h.entry, &h.ctx); err != nil {
		return err
	}
	h.configured = true
	return nil
}

// Run enters the guest until it shuts down or an exit cannot be handled.
func (h *Hypervisor) Run() error {
	if !h.configured {
		return newError(ConfigError, errors.New("guest entered before translation was configured"))
	}
	for {
		if err := h.hart.EnterGuest(&h.ctx); err != nil {
			kind := KindOf(err)
			if kind == 0 {
				kind = UnsupportedError
			}
			err = h.dispatcher.fatal(&h.ctx, kind, 0, "enter guest: %v", err)
			h.reporter.Report(h.Config.Output, errors.Cause(err).(*FatalTrap))
			h.saveState()
			return err
		}
		outcome, err := h.dispatcher.Dispatch(&h.ctx)
		if err != nil {
			var ft *FatalTrap
			if errors.As(err, &ft) {
				h.reporter.Report(h.Config.Output, ft)
			}
			h.saveState()
			return err
		}
		h.reporter.Observe(&h.ctx)
		if outcome == Shutdown {
			h.Log.Infof("guest shut down after %s", h.dispatcher.Stats)
			return h.saveState()
		}
	}
}

// Boot loads path, configures translation and runs the guest to completion.
func (h *Hypervisor) Boot(path string) error {
	if err := h.Load(path); err != nil {
		return err
	}
	if err := h.Configure(); err != nil {
		return err
	}
	return h.Run()
}

func (h *Hypervisor) saveState() error {
	if h.Config.SaveState == "" {
		return nil
	}
	f, err := os.Create(h.Config.SaveState)
	if err != nil {
		return newError(IOError, errors.WithStack(err))
	}
	defer f.Close()
	if err := SaveState(f, &h.ctx, h.as); err != nil {
		return newError(IOError, err)
	}
	h.Log.Infof("saved vm state to %s", h.Config.SaveState)
	return nil
}

func (h *Hypervisor) Close() error {
	h.hart.Close()
	h.as.Close()
	return h.phys.Close()
}
