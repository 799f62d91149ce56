package main

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agrisense/agrisense-cli/internal/fetcher"
	"github.com/agrisense/agrisense-cli/internal/model"
)

var (
	importXLSXPath string
	importSheet    string
	importSkipRows int
)

var marketImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import prices from an XLSX bulletin",
	Long:  "Reads rows of (crop, variety, unit, price, date) from a spreadsheet and upserts them as manual entries.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rows, err := fetcher.ReadXLSX(importXLSXPath, fetcher.XLSXOptions{
			SheetName: importSheet,
			SkipRows:  importSkipRows,
		})
		if err != nil {
			return eris.Wrap(err, "market import")
		}

		records, skipped := parseImportRows(rows, time.Now().UTC())
		if len(records) == 0 {
			return eris.Errorf("no usable rows in %s (%d skipped)", importXLSXPath, skipped)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		res, err := st.UpsertPrices(ctx, records)
		if err != nil {
			return eris.Wrap(err, "market import")
		}

		zap.L().Info("import complete",
			zap.String("file", importXLSXPath),
			zap.Int64("inserted", res.Inserted),
			zap.Int64("updated", res.Updated),
			zap.Int64("dropped", res.Dropped),
			zap.Int("skipped", skipped),
		)
		return nil
	},
}

// parseImportRows converts spreadsheet rows of (crop, variety, unit, price,
// date) into price records. Rows with a missing crop, a non-positive price, or
// too few columns are skipped; a missing or bad date falls back to today.
func parseImportRows(rows [][]string, now time.Time) ([]model.PriceRecord, int) {
	var (
		records []model.PriceRecord
		skipped int
	)
	for _, cells := range rows {
		if len(cells) < 4 {
			skipped++
			continue
		}

		crop := strings.TrimSpace(cells[0])
		if crop == "" {
			skipped++
			continue
		}

		raw := strings.TrimSpace(strings.ReplaceAll(cells[3], ",", ""))
		price, err := decimal.NewFromString(raw)
		if err != nil || !price.IsPositive() {
			skipped++
			continue
		}

		date := now.UTC().Truncate(24 * time.Hour)
		if len(cells) > 4 {
			if parsed, err := time.Parse("2006-01-02", strings.TrimSpace(cells[4])); err == nil {
				date = parsed
			}
		}

		records = append(records, model.PriceRecord{
			Crop:    crop,
			Variety: strings.TrimSpace(cells[1]),
			Unit:    strings.TrimSpace(cells[2]),
			Price:   price.InexactFloat64(),
			Date:    date,
		})
	}
	return records, skipped
}

func init() {
	marketImportCmd.Flags().StringVar(&importXLSXPath, "file", "", "path to XLSX file (required)")
	marketImportCmd.Flags().StringVar(&importSheet, "sheet", "", "sheet name (default first sheet)")
	marketImportCmd.Flags().IntVar(&importSkipRows, "skip-rows", 1, "header rows to skip")
	_ = marketImportCmd.MarkFlagRequired("file")
	marketCmd.AddCommand(marketImportCmd)
}
