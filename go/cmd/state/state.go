package state

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	simplehv "github.com/simplehv/simplehv/go"
	"github.com/simplehv/simplehv/go/cmd"
)

var stateCmd = &cobra.Command{
	Use:   "state FILE",
	Short: "print a saved vm state",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()
		st, err := simplehv.LoadState(f)
		if err != nil {
			return err
		}
		fmt.Fprint(c.OutOrStdout(), st.String())
		return nil
	},
}

func init() { cmd.Register(stateCmd) }
