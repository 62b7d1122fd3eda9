package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/spice/internal/config"
	"github.com/signalnine/spice/internal/pricing"
	"github.com/signalnine/spice/internal/report"
	"github.com/signalnine/spice/internal/result"
)

var flagFormat string

func newReportCmd() *cobra.Command {
	var repetitions int
	cmd := &cobra.Command{
		Use:   "report <experiment-id>",
		Short: "Summarize an experiment's result log and provider usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("repetitions") {
				cfg.Experiment.Repetitions = repetitions
			}
			expID := args[0]
			reps, err := experimentRepetitions(cfg, expID, cmd.Flags().Changed("repetitions"))
			if err != nil {
				return err
			}
			models := pricing.Default()
			if cfg.Pricing != "" {
				extra, err := pricing.Load(cfg.Pricing)
				if err != nil {
					return err
				}
				models.Merge(extra)
			}
			return report.Generate(report.Options{
				ExperimentID: expID,
				ResultDir:    cfg.Results.Dir,
				LogDir:       cfg.Logs.Dir,
				Repetitions:  reps,
				Pricing:      models,
			}, flagFormat, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	cmd.Flags().IntVar(&repetitions, "repetitions", 0, "expected repetitions (default: from the experiment's settings)")
	return cmd
}

// experimentRepetitions is the repetition count recorded in the settings
// snapshot, unless the caller set one explicitly or no snapshot exists.
func experimentRepetitions(cfg *config.Config, expID string, explicit bool) (int, error) {
	if explicit {
		return cfg.Experiment.Repetitions, nil
	}
	s, err := result.ReadSettings(result.SettingsPath(cfg.Logs.Dir, expID))
	if errors.Is(err, os.ErrNotExist) {
		return cfg.Experiment.Repetitions, nil
	}
	if err != nil {
		return 0, err
	}
	return s.Repetitions, nil
}
