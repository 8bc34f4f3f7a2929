package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"
	"github.com/spf13/cobra"

	simplehv "github.com/simplehv/simplehv/go"
	"github.com/simplehv/simplehv/go/models"
)

const configName = "hv.toml"

// ConfigFlags are the hypervisor options shared by every command that boots a guest.
// Flags given on the command line override the config file.
type ConfigFlags struct {
	path string
	cfg  models.Config
}

func AddConfigFlags(c *cobra.Command) *ConfigFlags {
	f := &ConfigFlags{}
	fs := c.Flags()
	fs.StringVarP(&f.path, "config", "c", "", "config file (default: "+configName+" in the user config dir)")
	fs.BoolVarP(&f.cfg.Verbose, "verbose", "v", false, "log binding and exit decisions")
	fs.BoolVar(&f.cfg.Color, "color", false, "colorize logs and fatal reports")
	fs.BoolVar(&f.cfg.Trace, "trace", false, "log every guest instruction")
	fs.StringVar(&f.cfg.Stage1, "stage1", "", "guest stage-1 policy: disabled or enabled")
	fs.StringVar(&f.cfg.Backend, "backend", "", "hart backend: soft or unicorn")
	fs.Uint64Var(&f.cfg.FlatBase, "flat-base", 0, "guest address of flat images")
	fs.Uint64Var(&f.cfg.RAMBase, "ram-base", 0, "host physical base of the frame pool")
	fs.Uint64Var(&f.cfg.RAMSize, "ram-size", 0, "size of the frame pool in bytes")
	fs.Uint64Var(&f.cfg.MaxSteps, "max-steps", 0, "instruction budget per guest entry (0 = unbounded)")
	fs.BoolVar(&f.cfg.CaptureHtinst, "htinst", false, "report trapping instructions in htinst")
	fs.StringVar(&f.cfg.SaveState, "save-state", "", "write the vm state here when the guest stops")
	return f
}

// readConfig decodes path, or the first hv.toml found in the user config dirs.
func readConfig(path string, cfg *models.Config) error {
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return errors.Wrapf(err, "config %s", path)
		}
		return nil
	}
	dir := configdir.New("simplehv", "hv").QueryFolderContainsFile(configName)
	if dir == nil {
		return nil
	}
	data, err := dir.ReadFile(configName)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return errors.Wrapf(err, "config %s/%s", dir.Path, configName)
	}
	return nil
}

// Config merges the config file with any flags set on c.
func (f *ConfigFlags) Config(c *cobra.Command, out io.Writer) (*models.Config, error) {
	cfg := models.NewConfig()
	if err := readConfig(f.path, cfg); err != nil {
		return nil, &simplehv.Error{Kind: simplehv.ConfigError, Err: err}
	}
	fs := c.Flags()
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("verbose", func() { cfg.Verbose = f.cfg.Verbose })
	set("color", func() { cfg.Color = f.cfg.Color })
	set("trace", func() { cfg.Trace = f.cfg.Trace })
	set("stage1", func() { cfg.Stage1 = f.cfg.Stage1 })
	set("backend", func() { cfg.Backend = f.cfg.Backend })
	set("flat-base", func() { cfg.FlatBase = f.cfg.FlatBase })
	set("ram-base", func() { cfg.RAMBase = f.cfg.RAMBase })
	set("ram-size", func() { cfg.RAMSize = f.cfg.RAMSize })
	set("max-steps", func() { cfg.MaxSteps = f.cfg.MaxSteps })
	set("htinst", func() { cfg.CaptureHtinst = f.cfg.CaptureHtinst })
	set("save-state", func() { cfg.SaveState = f.cfg.SaveState })
	cfg.Output = out
	return cfg.Init(), nil
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// PrintError prints err, and a stacktrace if one was recorded.
func PrintError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(w, "Error: %s\n", err)
	st, ok := err.(stackTracer)
	if !ok {
		return
	}
	// parse full path and method name for each stack frame
	var frames [][]string
	for _, f := range st.StackTrace() {
		fullpath := ""
		fileline := fmt.Sprintf("%s:%d", f, f)
		method := fmt.Sprintf("%n", f)

		frame := fmt.Sprintf("%+s", f)
		tmp := strings.SplitN(frame, "\n", 3)
		if len(tmp) == 2 {
			pathsplit := strings.Split(tmp[0], "/")
			method = pathsplit[len(pathsplit)-1]
			fullpath = strings.TrimSpace(tmp[1])
		}
		frames = append(frames, []string{fullpath, fileline, method})
		if method == "main.main" {
			break
		}
	}
	widths := make([]int, 2)
	for _, f := range frames {
		for i := 0; i < 2; i++ {
			if len(f[i]) > widths[i] {
				widths[i] = len(f[i])
			}
		}
	}
	for _, f := range frames {
		for i := 0; i < 2; i++ {
			if widths[i] > 0 {
				pad := strings.Repeat(" ", widths[i]-len(f[i]))
				fmt.Fprintf(w, "%s%s | ", f[i], pad)
			}
		}
		fmt.Fprintf(w, "%s()\n", f[2])
	}
}
