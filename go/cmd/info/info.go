package info

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/simplehv/simplehv/go/cmd"
	"github.com/simplehv/simplehv/go/loader"
	"github.com/simplehv/simplehv/go/models"
)

var flatBase uint64

var infoCmd = &cobra.Command{
	Use:   "info IMAGE",
	Short: "show how an image would be loaded",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		l, closer, err := loader.LoadFile(args[0], flatBase)
		if err != nil {
			return err
		}
		defer closer()
		segs, err := l.Segments()
		if err != nil {
			return err
		}
		out := c.OutOrStdout()
		fmt.Fprintf(out, "format: %s\n", l.Format())
		fmt.Fprintf(out, "entry:  %#x\n", l.Entry())
		if interp := l.Interp(); interp != "" {
			fmt.Fprintf(out, "interp: %s (not loaded)\n", interp)
		}
		for _, s := range segs {
			fmt.Fprintf(out, "  %s %s\n", s.String(), models.MappingFlags(s.Prot))
		}
		return nil
	},
}

func init() {
	infoCmd.Flags().Uint64Var(&flatBase, "flat-base", 0x80200000, "guest address of flat images")
	cmd.Register(infoCmd)
}
