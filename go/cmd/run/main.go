package run

import (
	"os"
	"runtime"

	"github.com/spf13/cobra"

	simplehv "github.com/simplehv/simplehv/go"
	"github.com/simplehv/simplehv/go/cmd"
)

var flags *cmd.ConfigFlags

var runCmd = &cobra.Command{
	Use:   "run IMAGE",
	Short: "boot a guest image and run it until shutdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		cfg, err := flags.Config(c, os.Stderr)
		if err != nil {
			return err
		}
		hv, err := simplehv.NewHypervisor(cfg)
		if err != nil {
			return err
		}
		defer hv.Close()
		return hv.Boot(args[0])
	},
}

func init() {
	flags = cmd.AddConfigFlags(runCmd)
	cmd.Register(runCmd)
}
