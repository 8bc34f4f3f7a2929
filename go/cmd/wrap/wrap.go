package wrap

import (
	"debug/elf"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/simplehv/simplehv/go/cmd"
	"github.com/simplehv/simplehv/go/loader"
	"github.com/simplehv/simplehv/go/models"
)

var (
	base   uint64
	entry  uint64
	output string
)

// wrapCmd turns a flat binary into a single-segment ELF, so it can be booted at an
// address other than the flat base.
var wrapCmd = &cobra.Command{
	Use:   "wrap FLAT",
	Short: "wrap a flat binary in an ELF image",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		data, err := ioutil.ReadFile(args[0])
		if err != nil {
			return errors.WithStack(err)
		}
		if len(data) == 0 {
			return errors.Errorf("%s is empty", args[0])
		}
		if !c.Flags().Changed("entry") {
			entry = base
		}
		out := output
		if out == "" {
			out = args[0] + ".elf"
		}
		f, err := os.Create(out)
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()
		prog := loader.Prog{Type: elf.PT_LOAD, Vaddr: base, Data: data, Flags: models.MAP_RWXU}
		return loader.WriteElf(f, entry, []loader.Prog{prog})
	},
}

func init() {
	fs := wrapCmd.Flags()
	fs.Uint64VarP(&base, "base", "b", 0x80200000, "load address")
	fs.Uint64VarP(&entry, "entry", "e", 0, "entry point (default: base)")
	fs.StringVarP(&output, "output", "o", "", "output file (default: FLAT.elf)")
	cmd.Register(wrapCmd)
}
