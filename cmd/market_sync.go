package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agrisense/agrisense-cli/internal/market"
)

var (
	syncDaemon   bool
	syncInterval string
)

var marketSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync prices from all enabled sources",
	Long:  "Fetches, normalizes, and stores prices from every enabled source. With --daemon, repeats on the configured interval.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("sync"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		o := initOrchestrator(st)

		if !syncDaemon {
			report, err := o.Run(ctx)
			if err != nil {
				return eris.Wrap(err, "market sync")
			}
			printRunReport(report)
			return nil
		}

		interval := syncInterval
		if interval == "" {
			interval = cfg.Market.SyncInterval
		}
		every, err := time.ParseDuration(interval)
		if err != nil {
			return eris.Wrapf(err, "market sync: bad interval %q", interval)
		}

		c := cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		))
		_, err = c.AddFunc(fmt.Sprintf("@every %s", every), func() {
			report, err := o.Run(ctx)
			if err != nil {
				zap.L().Error("scheduled sync failed", zap.Error(err))
				return
			}
			printRunReport(report)
		})
		if err != nil {
			return eris.Wrap(err, "market sync: schedule")
		}

		zap.L().Info("sync daemon started", zap.Duration("interval", every))
		c.Start()
		<-ctx.Done()
		zap.L().Info("sync daemon stopping")
		<-c.Stop().Done()
		return nil
	},
}

func printRunReport(report *market.RunReport) {
	zap.L().Info("sync run finished",
		zap.String("run_id", report.ID),
		zap.String("state", string(report.State)),
		zap.Int("synced", report.Synced),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", report.Elapsed),
	)
	for _, sr := range report.Sources {
		if sr.Failed() {
			fmt.Fprintf(os.Stderr, "FAILED  %-24s %s\n", sr.Name, truncate(sr.Err, 80))
			continue
		}
		fmt.Printf("synced  %-24s inserted=%d updated=%d dropped=%d skipped=%d\n",
			sr.Name, sr.Inserted, sr.Updated, sr.Dropped, sr.Skipped)
	}
}

func init() {
	marketSyncCmd.Flags().BoolVar(&syncDaemon, "daemon", false, "keep running and sync on an interval")
	marketSyncCmd.Flags().StringVar(&syncInterval, "interval", "", "sync interval for --daemon (default from config)")
	marketCmd.AddCommand(marketSyncCmd)
}
