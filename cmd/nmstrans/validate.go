package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nmslite/nmstrans/internal/globals"
	"github.com/nmslite/nmstrans/internal/output"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config and servers files",
	Long: `Parse the configuration and the servers file, build every writer and run
each writer's setup validation against every server and query that uses it.
Nothing is started and no sink is contacted.

Exit codes:
  0 - everything is valid
  1 - at least one error (details printed to stderr)`,
	RunE: runValidate,
}

var exampleConfigCmd = &cobra.Command{
	Use:   "example-config",
	Short: "Print an annotated example configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return globals.DumpExampleConfig(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(validateCmd, exampleConfigCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	readers := newReaders(cfg, logger)

	servers, err := loadServers(cfg, readers, nil, logger)
	if err != nil {
		return fmt.Errorf("invalid servers file: %w", err)
	}

	var errs []error
	queries := 0
	for _, server := range servers {
		for _, query := range server.Queries {
			queries++
			for _, w := range query.Writers {
				if err := w.ValidateSetup(server, query); err != nil {
					var ve *output.ValidationError
					if !errors.As(err, &ve) {
						err = output.NewValidationError(w, server, query, err)
					}
					errs = append(errs, err)
				}
			}
		}
	}
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e)
		}
		return errors.Join(errs...)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Servers:    %d\n", len(servers))
	fmt.Fprintf(out, "  Queries:    %d\n", queries)
	fmt.Fprintf(out, "  Run period: %s\n", cfg.Poller.RunPeriod())
	return nil
}
