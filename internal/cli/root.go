package cli

import (
	"github.com/spf13/cobra"
)

var configFile string

// rootCmd sadd 根命令
var rootCmd = &cobra.Command{
	Use:   "sadd",
	Short: "IPsec SAD daemon",
	Long: `sadd maintains the IPsec security association database, the per-SA
sequence number and anti-replay state, and optionally mirrors SAs into
the Linux XFRM subsystem.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file (YAML); SADD_* environment variables override it")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}
