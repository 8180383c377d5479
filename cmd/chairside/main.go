// Package main is the entry point for the chairside CLI.
//
// Usage:
//
//	chairside serve                  # REST API, change streams and MCP
//	chairside watch lab_scripts      # mirror a collection from a server
//	chairside seed -f fixtures.yaml  # load fixture records into the gateway
//	chairside apikey create --user u1 --name "Dr. Reyes" --role dentist
//	chairside version
package main

import (
	"fmt"
	"os"

	"github.com/rpggio/chairside/internal/config"
	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "chairside",
	Short: "Synchronized record collections for the dental practice",
	Long: `chairside keeps client-side mirrors of the practice's record collections
(lab scripts, comments, manufacturing items) in sync with a data gateway.

Configuration is read from the YAML file named by --config or
CHAIRSIDE_CONFIG_PATH; CHAIRSIDE_* environment variables override it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			return os.Setenv("CHAIRSIDE_CONFIG_PATH", path)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "chairside %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
		fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file")
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
