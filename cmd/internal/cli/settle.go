package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"luckypool/cmd/internal/ledger"
	"luckypool/cmd/internal/notify"
	"luckypool/cmd/internal/settlement"

	"github.com/spf13/cobra"
)

func settleCmd(d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Inspect and retry prize payouts",
	}
	cmd.AddCommand(settleListCmd(d))
	cmd.AddCommand(settleRetryCmd(d))
	return cmd
}

func settleListCmd(d deps) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List settlements, optionally filtered by status",
		Example: `  luckypool settle list
  luckypool settle list --status failed,awaiting_wallet`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := parseStatuses(statuses)
			if err != nil {
				return err
			}
			cfg, err := d.loadConfig()
			if err != nil {
				return err
			}
			core, err := d.newCore(cmd.Context(), cfg, d.logger(cmd.ErrOrStderr(), cfg))
			if err != nil {
				return err
			}
			defer core.Close()

			rows, err := core.Store.ListSettlements(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No settlements found.")
				return nil
			}
			return writeSettlements(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (no_winner, pending, awaiting_wallet, failed, paid)")
	return cmd
}

func settleRetryCmd(d deps) *cobra.Command {
	var (
		tierName string
		cycle    int64
	)

	cmd := &cobra.Command{
		Use:     "retry",
		Short:   "Attempt the payout of a held prize again",
		Example: `  luckypool settle retry --tier gold --cycle 12`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := d.loadConfig()
			if err != nil {
				return err
			}
			core, err := d.newCore(cmd.Context(), cfg, d.logger(cmd.ErrOrStderr(), cfg))
			if err != nil {
				return err
			}
			defer core.Close()

			t, err := core.Tiers.Get(tierName)
			if err != nil {
				return err
			}
			st, err := core.Settler.Retry(cmd.Context(), t.Name, cycle, d.now())
			if st.Tier == "" {
				return fmt.Errorf("retry %s/%d: %w", t.Name, cycle, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s cycle %d: %s (attempts=%d)\n", st.Tier, st.Cycle, st.Status, st.Attempts)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, settlement.ErrNoWalletConfigured):
				// Held until the winner sets a wallet; nothing more to do here.
				fmt.Fprintf(cmd.OutOrStdout(), "winner %d has no usable wallet\n", st.WinnerID)
				return nil
			default:
				return fmt.Errorf("retry %s/%d: %w", t.Name, cycle, err)
			}
		},
	}
	cmd.Flags().StringVar(&tierName, "tier", "", "tier name")
	cmd.Flags().Int64Var(&cycle, "cycle", 0, "cycle number")
	_ = cmd.MarkFlagRequired("tier")
	_ = cmd.MarkFlagRequired("cycle")
	return cmd
}

func parseStatuses(in []string) ([]ledger.SettlementStatus, error) {
	known := []ledger.SettlementStatus{
		ledger.SettlementNoWinner, ledger.SettlementPending, ledger.SettlementAwaitingWallet,
		ledger.SettlementFailed, ledger.SettlementPaid,
	}
	out := make([]ledger.SettlementStatus, 0, len(in))
next:
	for _, raw := range in {
		s := ledger.SettlementStatus(strings.ToLower(strings.TrimSpace(raw)))
		for _, k := range known {
			if s == k {
				out = append(out, s)
				continue next
			}
		}
		return nil, fmt.Errorf("unknown settlement status %q", raw)
	}
	return out, nil
}

func writeSettlements(w io.Writer, rows []ledger.Settlement) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tCYCLE\tSTATUS\tWINNER\tPOOL\tPRIZE\tATTEMPTS\tUPDATED")
	for _, s := range rows {
		winner := "-"
		if s.WinnerID != 0 {
			winner = fmt.Sprint(s.WinnerID)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			s.Tier, s.Cycle, s.Status, winner,
			notify.Money(s.PoolAmount), notify.Money(s.Prize),
			s.Attempts, s.UpdatedAt.UTC().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
