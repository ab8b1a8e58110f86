package cmd

import (
	"log/slog"
	"os"

	"github.com/encodeous/strata/core"
	"github.com/encodeous/strata/state"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type nodeConfig struct {
	Node    state.LocalCfg `yaml:"node"`
	KvStore state.KvConfig `yaml:"kvstore"`
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the strata kvstore",
	Long:  `This will run the strata kvstore on the current host, serving the configured areas.`,
	Run: func(cmd *cobra.Command, args []string) {
		file, err := os.ReadFile(nodeConfigPath)
		if err != nil {
			panic(err)
		}

		cfg := nodeConfig{KvStore: state.DefaultKvConfig()}
		err = yaml.Unmarshal(file, &cfg)
		if err != nil {
			panic(err)
		}

		err = state.LocalConfigValidator(&cfg.Node)
		if err != nil {
			panic(err)
		}
		err = state.KvConfigValidator(&cfg.KvStore)
		if err != nil {
			panic(err)
		}

		level := slog.LevelInfo
		if ok, _ := cmd.Flags().GetBool("verbose"); ok {
			level = slog.LevelDebug
		}

		err = core.Start(cfg.Node, cfg.KvStore, level)
		if err != nil {
			panic(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}
