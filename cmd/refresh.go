package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/seemycity/muni-health/internal/monitoring"
)

var (
	refreshYear        int
	refreshConcurrency int
	refreshForce       bool
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Warm the financial cache for every seeded municipality",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("refresh"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return eris.Wrap(err, "refresh: init store")
		}
		defer st.Close() //nolint:errcheck

		year := refreshYear
		if year == 0 {
			year = cfg.Refresh.DefaultYear
		}
		concurrency := refreshConcurrency
		if concurrency <= 0 {
			concurrency = cfg.Refresh.Concurrency
		}

		ctl := newController(st, monitoring.NewMetrics())
		summary, err := ctl.Warm(ctx, year, concurrency, refreshForce)
		if summary != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "refresh %s year %d: %d entities, %d refreshed, %d fresh, %d stale, %d failed\n",
				summary.RunID, year, summary.Total, summary.Refreshed, summary.Fresh, summary.Stale, summary.Failed)
		}
		return err
	},
}

func init() {
	refreshCmd.Flags().IntVar(&refreshYear, "year", 0, "financial year to warm (default from config)")
	refreshCmd.Flags().IntVar(&refreshConcurrency, "concurrency", 0, "parallel refreshes (default from config)")
	refreshCmd.Flags().BoolVar(&refreshForce, "force", false, "refresh rows that are still fresh")
	rootCmd.AddCommand(refreshCmd)
}
