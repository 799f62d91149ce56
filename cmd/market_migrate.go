package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var marketMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "market migrate")
		}

		zap.L().Info("migrations applied")
		return nil
	},
}

func init() {
	marketCmd.AddCommand(marketMigrateCmd)
}
