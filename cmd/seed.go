package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/seemycity/muni-health/internal/boundary"
	"github.com/seemycity/muni-health/internal/fetcher"
	"github.com/seemycity/muni-health/internal/seed"
)

var (
	seedSource    string
	seedSheet     string
	seedSkipRows  int
	seedIDField   string
	seedMigrateDB bool
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load municipality reference data and boundaries",
}

var seedEntitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Load municipalities from a CSV, XLSX, or YAML file (local, HTTP, FTP, or ZIP)",
	RunE: func(cmd *cobra.Command, args []string) error {
		source := firstNonEmpty(seedSource, cfg.Seed.EntitiesSource)
		if source == "" {
			return eris.New("seed entities: --source is required (or seed.entities_source)")
		}

		s, closeFn, err := newSeeder(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		report, err := s.SeedEntities(cmd.Context(), source)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "entities: %d rows, %d loaded, %d rejected, %d duplicates\n",
			report.Rows, report.Valid, len(report.Rejected), report.Duplicates)
		for _, rej := range report.Rejected {
			fmt.Fprintf(cmd.OutOrStdout(), "  row %d %s: %s\n", rej.Row, rej.ID, rej.Reason)
		}
		return nil
	},
}

var seedBoundariesCmd = &cobra.Command{
	Use:   "boundaries",
	Short: "Load municipal boundaries from a (zipped) polygon shapefile",
	RunE: func(cmd *cobra.Command, args []string) error {
		source := firstNonEmpty(seedSource, cfg.Seed.BoundariesSource)
		if source == "" {
			return eris.New("seed boundaries: --source is required (or seed.boundaries_source)")
		}

		s, closeFn, err := newSeeder(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		report, err := s.SeedBoundaries(cmd.Context(), source, seedIDField)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "boundaries: %d records, %d written, %d unknown codes, %d without geometry\n",
			report.Stats.Records, report.Written, report.Stats.Unknown, report.Stats.NoGeometry)
		return nil
	},
}

func newSeeder(cmd *cobra.Command) (*seed.Seeder, func(), error) {
	ctx := cmd.Context()
	if err := cfg.Validate("seed"); err != nil {
		return nil, nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, eris.Wrap(err, "seed: init store")
	}
	closeFn := func() { _ = st.Close() }

	if seedMigrateDB {
		if err := st.Migrate(ctx); err != nil {
			closeFn()
			return nil, nil, eris.Wrap(err, "seed: migrate")
		}
	}

	loader := seed.NewEntityLoader(fetcher.XLSXOptions{SheetName: seedSheet, SkipRows: seedSkipRows})
	resolver := fetcher.NewResolver(cfg.MuniMoney.UserAgent)
	return seed.New(st, resolver, loader, cfg.Seed.TempDir), closeFn, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	seedCmd.PersistentFlags().StringVar(&seedSource, "source", "", "file path or http(s)/ftp URL (default from config)")
	seedCmd.PersistentFlags().BoolVar(&seedMigrateDB, "migrate", false, "apply the schema before loading")
	seedEntitiesCmd.Flags().StringVar(&seedSheet, "sheet", "", "XLSX sheet name (default first sheet)")
	seedEntitiesCmd.Flags().IntVar(&seedSkipRows, "skip-rows", 0, "XLSX rows above the header to skip")
	seedBoundariesCmd.Flags().StringVar(&seedIDField, "id-field", boundary.DefaultIDField, "shapefile attribute holding the municipality code")

	seedCmd.AddCommand(seedEntitiesCmd, seedBoundariesCmd)
	rootCmd.AddCommand(seedCmd)
}
