package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agrisense/agrisense-cli/internal/store"
)

var statusLimit int

var marketStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync log",
	Long:  "Displays recent sync attempts across all sources, newest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.ListSyncEntries(ctx, statusLimit)
		if err != nil {
			return eris.Wrap(err, "market status")
		}

		if len(entries) == 0 {
			zap.L().Info("no sync entries found, run 'market sync' to start syncing sources")
			return nil
		}

		formatStatusEntries(os.Stdout, entries)
		return nil
	},
}

func init() {
	marketStatusCmd.Flags().IntVar(&statusLimit, "limit", 50, "max entries to show")
	marketCmd.AddCommand(marketStatusCmd)
}

// formatStatusEntries writes a tabular representation of sync entries to w.
func formatStatusEntries(out io.Writer, entries []store.SyncEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tSTARTED\tDURATION\tROWS\tSKIPPED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-------\t--------\t----\t-------\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
		}

		errMsg := ""
		if e.Error != "" {
			errMsg = truncate(e.Error, 60)
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			e.ID,
			e.Source,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04:05"),
			dur,
			e.RowsSynced,
			e.RowsSkipped,
			errMsg,
		)
	}
	_ = w.Flush()
}
