package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/agrisense/agrisense-cli/internal/planner"
)

var planSowDate string

var planCmd = &cobra.Command{
	Use:   "plan [crop]",
	Short: "Print a crop activity calendar",
	Long:  "Resolves the fixed stage table for a crop against a sowing date. Run without arguments to list known crops.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			fmt.Println("Known crops:", strings.Join(planner.Crops(), ", "))
			return nil
		}

		sowDate := time.Now().UTC()
		if planSowDate != "" {
			parsed, err := time.Parse("2006-01-02", planSowDate)
			if err != nil {
				return eris.Errorf("invalid --sow-date %q (want YYYY-MM-DD)", planSowDate)
			}
			sowDate = parsed
		}

		activities, err := planner.Schedule(args[0], sowDate)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "DATE\tTASK")
		for _, a := range activities {
			_, _ = fmt.Fprintf(w, "%s\t%s\n", a.Date.Format("2006-01-02"), a.Task)
		}
		return w.Flush()
	},
}

func init() {
	planCmd.Flags().StringVar(&planSowDate, "sow-date", "", "sowing date, YYYY-MM-DD (default today)")
	rootCmd.AddCommand(planCmd)
}
