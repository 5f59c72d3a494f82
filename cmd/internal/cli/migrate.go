package cli

import (
	"errors"
	"fmt"

	"luckypool/cmd/internal/app"

	"github.com/spf13/cobra"
)

func migrateCmd(d deps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the ledger schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := d.loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("LUCKYPOOL_DATABASE_URL is required for migrate")
			}
			log := d.logger(cmd.ErrOrStderr(), cfg)

			st, pool, err := app.OpenStore(cmd.Context(), cfg, log, true)
			if err != nil {
				return err
			}
			defer pool.Close()
			defer func() { _ = st.Close() }()

			fmt.Fprintf(cmd.OutOrStdout(), "schema %q is up to date\n", cfg.DBSchema)
			return nil
		},
	}
}
