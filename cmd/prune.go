package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalnine/spice/internal/result"
)

func newPruneCmd() *cobra.Command {
	var (
		repetitions int
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "prune <experiment-id>",
		Short: "Drop records of instances with fewer repetitions than expected",
		Long: "Rewrite the experiment's result log without the records of instances that have " +
			"fewer than the expected number of repetitions, so that the next run labels them again.",
		Args: cobra.ExactArgs(1),
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
			if reps < 1 {
				return fmt.Errorf("repetitions must be at least 1")
			}

			path := result.ResultPath(cfg.Results.Dir, expID)
			counts, err := result.Counts(path)
			if err != nil {
				return err
			}
			incomplete := map[string]bool{}
			var ids []string
			for id, n := range counts {
				if n < reps {
					incomplete[id] = true
					ids = append(ids, id)
				}
			}
			sort.Strings(ids)

			out := cmd.OutOrStdout()
			if len(ids) == 0 {
				fmt.Fprintf(out, "Nothing to prune: every instance has %d repetitions or more\n", reps)
				return nil
			}
			fmt.Fprintf(out, "Incomplete instances (< %d repetitions): %s\n", reps, strings.Join(ids, ", "))
			if dryRun {
				return nil
			}
			dropped, err := result.Rewrite(path, func(rec result.LabelResult) bool {
				return !incomplete[rec.InstanceID]
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Removed %d records of %d instances from %s\n", dropped, len(ids), path)
			return nil
		},
	}
	cmd.Flags().IntVar(&repetitions, "repetitions", 0, "expected repetitions (default: from the experiment's settings)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list the instances that would be pruned")
	return cmd
}
