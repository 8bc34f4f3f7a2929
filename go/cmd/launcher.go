package cmd

import (
	"os"

	"github.com/spf13/cobra"

	simplehv "github.com/simplehv/simplehv/go"
)

var rootCmd = &cobra.Command{
	Use:           "hv",
	Short:         "Run a RISC-V guest under a minimal H-extension hypervisor",
	SilenceUsage:  true,
	SilenceErrors: true,
	Example:       "  hv run -v --stage1 enabled guest.elf",
}

// Register adds a subcommand to the hv launcher.
func Register(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Main() {
	if err := rootCmd.Execute(); err != nil {
		PrintError(os.Stderr, err)
		if simplehv.KindOf(err) == simplehv.ConfigError {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
