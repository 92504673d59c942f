package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newModelsCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the configured models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			modelConfigs, err := cfg.ModelConfigs()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROVIDER\tUPSTREAM\tAPI BASE")
			for _, m := range modelConfigs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.LogicalName, m.Provider, m.UpstreamModelID, m.BaseURL())
			}
			return w.Flush()
		},
	}
}
