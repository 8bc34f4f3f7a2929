package models

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Stage-1 translation policies.
const (
	Stage1Disabled = "disabled"
	Stage1Enabled  = "enabled"
)

// Hart backends.
const (
	BackendSoft    = "soft"
	BackendUnicorn = "unicorn"
)

type Config struct {
	Output  io.Writer `toml:"-"`
	Verbose bool      `toml:"verbose"`
	Color   bool      `toml:"color"`
	Trace   bool      `toml:"trace"`

	Stage1        string    `toml:"stage1"`
	Backend       string    `toml:"backend"`
	FlatBase      uint64    `toml:"flat_base"`
	RAMBase       uint64    `toml:"ram_base"`
	RAMSize       uint64    `toml:"ram_size"`
	ProbeAddr     uint64    `toml:"probe_addr"`
	ProbeValue    uint64    `toml:"probe_value"`
	HartID        uint64    `toml:"hart_id"`
	ResetArgs     [2]uint64 `toml:"reset_args"`
	CaptureHtinst bool      `toml:"capture_htinst"`
	MaxSteps      uint64    `toml:"max_steps"`
	SaveState     string    `toml:"save_state"`
}

// NewConfig returns a Config holding the default guest contract. Fields loaded or
// set on top of it keep their value even when it is zero.
func NewConfig() *Config {
	return &Config{
		Output:     os.Stderr,
		Stage1:     Stage1Disabled,
		Backend:    BackendSoft,
		FlatBase:   0x8020_0000,
		RAMBase:    0x9000_0000,
		RAMSize:    64 << 20,
		ProbeAddr:  0x40,
		ProbeValue: 0x6688,
		HartID:     0x1234,
		ResetArgs:  [2]uint64{0x6688, 0x1234},
	}
}

// Init fills the fields that have no meaningful zero value and returns c.
func (c *Config) Init() *Config {
	if c.Output == nil {
		c.Output = os.Stderr
	}
	if c.Stage1 == "" {
		c.Stage1 = Stage1Disabled
	}
	if c.Backend == "" {
		c.Backend = BackendSoft
	}
	if c.RAMSize == 0 {
		c.RAMSize = 64 << 20
	}
	return c
}

func (c *Config) Validate() error {
	switch c.Stage1 {
	case Stage1Disabled, Stage1Enabled:
	default:
		return errors.Errorf("unknown stage1 policy %q", c.Stage1)
	}
	switch c.Backend {
	case BackendSoft, BackendUnicorn:
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}
	if c.RAMBase&0xfff != 0 || c.RAMSize&0xfff != 0 || c.RAMSize == 0 {
		return errors.Errorf("ram %#x+%#x is not page aligned", c.RAMBase, c.RAMSize)
	}
	if c.FlatBase&0xfff != 0 {
		return errors.Errorf("flat base %#x is not page aligned", c.FlatBase)
	}
	if c.FlatBase < c.RAMBase+c.RAMSize && c.RAMBase < c.FlatBase+0x1000 {
		return errors.Errorf("flat base %#x overlaps host ram", c.FlatBase)
	}
	return nil
}
