package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	nodeConfigPath = "strata.yaml"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata link-state routing KvStore",
	Long: `Strata is the replicated key-value store core of a link-state routing daemon.
It disseminates a network-wide key-value database among the peers it is told
about, and serves it to the local decision modules.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&nodeConfigPath, "config", "c", nodeConfigPath, "node configuration file")
}
