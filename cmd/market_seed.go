package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agrisense/agrisense-cli/internal/market"
)

var seedFilePath string

var marketSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register sources from a YAML file",
	Long:  "Reads a sources file and upserts each entry into the registry by name.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		path := seedFilePath
		if path == "" {
			path = cfg.Market.SourcesFile
		}

		sources, err := market.LoadSeedFile(path)
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			return eris.Errorf("no sources found in %s", path)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		for _, src := range sources {
			id, err := st.UpsertSource(ctx, src)
			if err != nil {
				return eris.Wrapf(err, "seed source %s", src.Name)
			}
			zap.L().Info("source registered",
				zap.Int64("id", id),
				zap.String("name", src.Name),
				zap.String("kind", string(src.Kind)),
				zap.Bool("enabled", src.Enabled),
			)
		}

		zap.L().Info("seed complete", zap.Int("sources", len(sources)))
		return nil
	},
}

func init() {
	marketSeedCmd.Flags().StringVar(&seedFilePath, "file", "", "path to sources YAML file (default from config)")
	marketCmd.AddCommand(marketSeedCmd)
}
