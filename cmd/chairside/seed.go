package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/fixtures"
	"github.com/rpggio/chairside/internal/gateway"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert fixture records into the gateway",
	Long: `Insert every record of a fixture file through the configured gateway.

The gateway assigns fresh ids and timestamps; ids in the file only matter
for the fallback snapshots served when a fetch fails.

Example:
  chairside seed -f fixtures.yaml --collection lab_scripts`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().StringP("file", "f", "", "fixture file (defaults to sync.fixtures_path)")
	seedCmd.Flags().StringSlice("collection", nil, "only seed these collections")
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(cfg, false)
	defer closeLog()

	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		path = cfg.Sync.FixturesPath
	}
	if path == "" {
		return fmt.Errorf("no fixture file: pass --file or set sync.fixtures_path")
	}
	provider, err := fixtures.Load(path)
	if err != nil {
		return err
	}
	only, _ := cmd.Flags().GetStringSlice("collection")

	b, err := openBackend(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	return seed(cmd.Context(), b.gw, provider, only, cmd.OutOrStdout(), logger)
}

func seed(ctx context.Context, gw gateway.Gateway, p *fixtures.Provider, only []string, out io.Writer, logger *slog.Logger) error {
	wanted := make(map[string]bool, len(only))
	for _, c := range only {
		wanted[c] = true
	}

	for _, collection := range p.Collections() {
		if len(wanted) > 0 && !wanted[collection] {
			continue
		}
		recs, err := p.Seed(ctx, collection)
		if err != nil {
			return err
		}
		for _, r := range recs {
			fields := r.Fields
			if fields == nil {
				fields = record.Fields{}
			}
			if _, err := gw.Insert(ctx, collection, fields); err != nil {
				return fmt.Errorf("seed %s (fixture %s): %w", collection, r.ID, err)
			}
		}
		logger.Debug("seeded collection", "collection", collection, "records", len(recs))
		fmt.Fprintf(out, "%s: %d records\n", collection, len(recs))
	}
	return nil
}
