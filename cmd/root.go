package cmd

import (
	"github.com/spf13/cobra"

	"github.com/signalnine/spice/internal/config"
)

var cfgFile string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "spice",
		Short:        "Label SWE-bench style instances with LLM judges",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "config file path")
	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newPruneCmd())
	return root
}

// loadConfig reads --config. The default path may be absent; an explicit
// one may not.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if cmd.Flags().Changed("config") {
		return config.Load(cfgFile)
	}
	return config.LoadOptional(cfgFile)
}
