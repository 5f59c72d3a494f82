package cli

import (
	"fmt"
	"text/tabwriter"

	"luckypool/cmd/internal/app"
	"luckypool/cmd/internal/notify"

	"github.com/spf13/cobra"
)

func tiersCmd(d deps) *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "Show the tier catalogue and each tier's next opening",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := d.loadConfig()
			if err != nil {
				return err
			}
			cat, err := app.LoadTiers(cfg)
			if err != nil {
				return err
			}
			now := d.now()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIER\tTITLE\tFEE\tWINDOW\tNEXT OPEN")
			for _, t := range cat.All() {
				next := cat.NextOpen(t, now).In(cat.Location)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					t.Name, t.Title, notify.Money(t.EntryFee), t.Window, next.Format("Mon 2006-01-02 15:04 MST"))
			}
			return tw.Flush()
		},
	}
}
