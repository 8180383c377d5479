package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/remote"
	"github.com/rpggio/chairside/internal/syncstore"
	"github.com/rpggio/chairside/internal/transport"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <collection>",
	Short: "Mirror a collection from a running server and print every change",
	Long: `Open a synchronized store against a chairside server and print the
snapshot each time it changes.

Examples:
  chairside watch lab_scripts --eq patient_id=p-17
  chairside watch manufacturing_items --strategy refetch --api-key $KEY
  chairside watch lab_scripts --once`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSlice("eq", nil, "equality filter field=value (value may be JSON)")
	watchCmd.Flags().String("order", "", "sort order, e.g. created_at.desc")
	watchCmd.Flags().String("strategy", "", "filtered (default) or refetch")
	watchCmd.Flags().String("server", "", "server URL (defaults to remote.url)")
	watchCmd.Flags().String("api-key", "", "exchange this API key for a session token")
	watchCmd.Flags().Bool("once", false, "print the first snapshot and exit")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(cfg, true)
	defer closeLog()

	opts, err := watchOptions(cmd, args[0])
	if err != nil {
		return err
	}
	opts.Logger = logger

	serverURL, _ := cmd.Flags().GetString("server")
	if serverURL == "" {
		serverURL = cfg.Remote.URL
	}
	client, err := remote.New(serverURL, cfg.Remote.Token, remote.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if apiKey, _ := cmd.Flags().GetString("api-key"); apiKey != "" {
		tok, err := client.ExchangeAPIKey(ctx, apiKey)
		if err != nil {
			return fmt.Errorf("api key exchange: %w", err)
		}
		logger.Info("session token issued", "expires_at", tok.ExpiresAt)
	}

	once, _ := cmd.Flags().GetBool("once")
	return watch(ctx, client, opts, once, cmd.OutOrStdout())
}

func watchOptions(cmd *cobra.Command, collection string) (syncstore.Options, error) {
	eqs, _ := cmd.Flags().GetStringSlice("eq")
	orderFlag, _ := cmd.Flags().GetString("order")
	strategyFlag, _ := cmd.Flags().GetString("strategy")

	values := url.Values{}
	for _, eq := range eqs {
		field, value, ok := strings.Cut(eq, "=")
		if !ok {
			return syncstore.Options{}, fmt.Errorf("--eq %q: expected field=value", eq)
		}
		values.Set(transport.FilterPrefix+field, value)
	}
	if orderFlag != "" {
		values.Set("order", orderFlag)
	}
	filter, order, err := transport.ParseQuery(values)
	if err != nil {
		return syncstore.Options{}, err
	}
	strategy, err := syncstore.ParseStrategy(strategyFlag)
	if err != nil {
		return syncstore.Options{}, err
	}
	return syncstore.Options{
		Collection: collection,
		Filter:     filter,
		Order:      order,
		Strategy:   strategy,
	}, nil
}

func watch(ctx context.Context, client *remote.Client, opts syncstore.Options, once bool, out io.Writer) error {
	st, err := syncstore.Open(ctx, client, opts)
	if err != nil {
		return err
	}
	defer st.Close()

	changes, cancel := st.Watch()
	defer cancel()

	printSnapshot(out, st)
	if once {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			printSnapshot(out, st)
		}
	}
}

func printSnapshot(out io.Writer, st *syncstore.Store) {
	recs := st.List()
	state := "live"
	if !st.Live() {
		state = "offline"
	}
	fmt.Fprintf(out, "%s: %d records (%s, strategy %s)\n", st.Collection(), len(recs), state, st.Strategy())
	if err := st.Err(); err != nil {
		fmt.Fprintf(out, "  last error: %v\n", err)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, r := range recs {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", r.ID, r.CreatedAt.Format(time.RFC3339), fieldsJSON(r))
	}
	_ = tw.Flush()
}

func fieldsJSON(r record.Record) string {
	data, err := json.Marshal(r.Fields)
	if err != nil {
		return "{}"
	}
	return string(data)
}
