// Package main is the entry point for the nmstrans CLI.
//
// Usage:
//
//	nmstrans run -c config.yaml       # Poll servers until interrupted
//	nmstrans validate -c config.yaml  # Check config and servers file
//	nmstrans example-config           # Print an annotated config
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nmslite/nmstrans/internal/config"
	"github.com/nmslite/nmstrans/internal/globals"
	"github.com/nmslite/nmstrans/internal/metrics"
	"github.com/nmslite/nmstrans/internal/model"
	_ "github.com/nmslite/nmstrans/internal/output/sinks"
	"github.com/nmslite/nmstrans/internal/reader"
	"github.com/nmslite/nmstrans/internal/reader/snmp"
	"github.com/nmslite/nmstrans/internal/reader/winrm"
)

// Set at build time via -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "nmstrans",
	Short: "Poll managed endpoints and ship their attributes to output writers",
	Long: `nmstrans polls remote servers for attribute values on a schedule and
hands every batch of results to the output writers configured for the query
(graphite, influxdb, statsd, postgres, nats, redis, beats, log).

Quick start:
  1. nmstrans example-config > config.yaml
  2. Describe servers and writers in the file named by servers_file
  3. nmstrans validate -c config.yaml
  4. nmstrans run -c config.yaml`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nmstrans %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to config file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*globals.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := globals.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newReaders(cfg *globals.Config, logger *slog.Logger) *reader.Mux {
	mux := reader.NewMux()
	mux.Handle(snmp.Protocol, snmp.New(snmp.Config{
		Timeout: cfg.Readers.SNMPTimeout(),
		Retries: cfg.Readers.SNMPRetries,
		Logger:  logger,
	}))
	mux.Handle(winrm.Protocol, winrm.New(winrm.Config{
		Timeout:  cfg.Readers.WinRMTimeout(),
		Insecure: cfg.Readers.WinRMInsecure,
		Logger:   logger,
	}))
	return mux
}

func loadServers(cfg *globals.Config, mux *reader.Mux, registry *metrics.Registry, logger *slog.Logger) ([]*model.Server, error) {
	file, err := config.LoadFile(cfg.ServersFile)
	if err != nil {
		return nil, err
	}
	return file.Build(config.BuildOptions{
		Logger:    logger,
		Metrics:   registry,
		Protocols: mux.Protocols(),
	})
}
