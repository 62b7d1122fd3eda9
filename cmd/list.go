package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signalnine/spice/internal/dataset"
	"github.com/signalnine/spice/internal/result"
)

func newListCmd() *cobra.Command {
	var input, experimentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List repository groups of a dataset and how many instances are already labelled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if input == "" {
				input = cfg.Experiment.Dataset
			}
			if experimentID == "" {
				experimentID = cfg.Experiment.ID
			}
			if input == "" {
				return fmt.Errorf("no dataset: pass --input or set experiment.dataset")
			}
			instances, err := dataset.Load(input)
			if err != nil {
				return err
			}
			done := map[string]struct{}{}
			if experimentID != "" {
				if done, err = result.ProcessedInstances(result.ResultPath(cfg.Results.Dir, experimentID)); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			groups := dataset.GroupByRepo(instances)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REPOSITORY\tINSTANCES\tLABELLED")
			labelled := 0
			for _, g := range groups {
				n := 0
				for _, in := range g.Instances {
					if _, ok := done[in.ID]; ok {
						n++
					}
				}
				labelled += n
				fmt.Fprintf(tw, "%s\t%d\t%d\n", g.Repo, len(g.Instances), n)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d instances in %d repositories", len(instances), len(groups))
			if experimentID != "" {
				fmt.Fprintf(out, ", %d already in %s", labelled, experimentID)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "dataset file")
	cmd.Flags().StringVarP(&experimentID, "experiment-id", "e", "", "experiment whose result log to compare against")
	return cmd
}
