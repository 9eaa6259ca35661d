package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/kyleking/sqlcontext/internal/config"
	"github.com/kyleking/sqlcontext/internal/errors"
)

const notAvailable = "N/A"

func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Display the active configuration",
		Description: `Show the current active configuration including all settings from file, environment
variables (SQLCONTEXT_*), and command-line flags. Secrets are never printed.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the configuration as JSON"},
			&cli.BoolFlag{Name: "save", Usage: "Write the active configuration to the config file"},
		},
		Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := mustConfig(ctx)
			if err != nil {
				return err
			}

			if cmd.Bool("save") {
				if err := config.SaveConfig(cfg); err != nil {
					return errors.Wrap(err, errors.ErrTypeFileSystem, "failed to save configuration")
				}

				fmt.Printf("Configuration saved to %s\n", config.GetConfigDir())
			}

			return runConfig(os.Stdout, cfg, cmd.Bool("json"))
		}),
	}
}

func runConfig(w io.Writer, cfg *config.Config, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}

		return nil
	}

	fmt.Fprintln(w, "====================")
	fmt.Fprintln(w, "Active Configuration:")

	fmt.Fprintln(w, "\nDatabase:")
	fmt.Fprintf(w, "  Driver: %s\n", cfg.Database.Driver)

	if cfg.Database.Driver == "pgx" {
		fmt.Fprintf(w, "  DSN: %s\n", getStringOrNA(redactDSN(cfg.Database.DSN)))
	} else {
		fmt.Fprintf(w, "  Path: %s\n", cfg.Database.Path)
	}

	fmt.Fprintf(w, "  Max Connections: %d\n", cfg.Database.MaxConnections)
	fmt.Fprintf(w, "  Query Timeout: %s\n", cfg.Database.QueryTimeout)

	fmt.Fprintln(w, "\nVector Store:")
	fmt.Fprintf(w, "  Path: %s\n", cfg.VectorStore.Path)
	fmt.Fprintf(w, "  Collection: %s\n", cfg.VectorStore.Collection)

	fmt.Fprintln(w, "\nGraph:")
	fmt.Fprintf(w, "  Backend: %s\n", cfg.Graph.Backend)

	if cfg.Graph.Backend == "s3" {
		fmt.Fprintf(w, "  Endpoint: %s\n", getStringOrNA(cfg.Graph.Endpoint))
		fmt.Fprintf(w, "  Object: %s/%s\n", cfg.Graph.Bucket, cfg.Graph.Key)
	} else {
		fmt.Fprintf(w, "  Path: %s\n", cfg.Graph.Path)
	}

	fmt.Fprintln(w, "\nEmbedding:")
	fmt.Fprintf(w, "  Provider: %s\n", cfg.Embedding.Provider)
	fmt.Fprintf(w, "  Model: %s\n", cfg.Embedding.Model)
	fmt.Fprintf(w, "  Dimensions: %d\n", cfg.Embedding.Dimensions)

	fmt.Fprintln(w, "\nReranker:")
	fmt.Fprintf(w, "  Provider: %s\n", cfg.Reranker.Provider)
	fmt.Fprintf(w, "  Model: %s\n", cfg.Reranker.Model)

	fmt.Fprintln(w, "\nRetrieval:")
	fmt.Fprintf(w, "  Top K: %d\n", cfg.Retrieval.TopK)
	fmt.Fprintf(w, "  Min Reranker Score: %g\n", cfg.Retrieval.MinRerankerScore)
	fmt.Fprintf(w, "  Min Keyword Score: %g\n", cfg.Retrieval.MinKeywordScore)
	fmt.Fprintf(w, "  Policy: %s\n", cfg.Retrieval.PolicyMode)
	fmt.Fprintf(w, "  Request Timeout: %s\n", cfg.Retrieval.RequestTimeout)
	fmt.Fprintf(w, "  Retries: %d (backoff %s)\n", cfg.Retrieval.RetryAttempts, cfg.Retrieval.RetryBackoff)

	fmt.Fprintln(w, "\nCache:")
	fmt.Fprintf(w, "  Backend: %s\n", cfg.Cache.Backend)
	fmt.Fprintf(w, "  Directory: %s\n", cfg.Cache.Directory)
	fmt.Fprintf(w, "  Max Size: %d MB\n", cfg.Cache.MaxSizeMB)
	fmt.Fprintf(w, "  TTL: %d hours\n", cfg.Cache.TTLHours)

	fmt.Fprintln(w, "\nLLM:")
	fmt.Fprintf(w, "  Provider: %s\n", cfg.LLM.Provider)
	fmt.Fprintf(w, "  Model: %s\n", getStringOrNA(cfg.LLM.Model))

	if len(cfg.LLM.FallbackProviders) > 0 {
		fmt.Fprintf(w, "  Fallbacks: %v\n", cfg.LLM.FallbackProviders)
	}

	fmt.Fprintln(w, "\nLogging:")
	fmt.Fprintf(w, "  Level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(w, "  Format: %s\n", cfg.Logging.Format)
	fmt.Fprintf(w, "  Output: %s\n", cfg.Logging.Output)

	if cfg.Logging.Output == "file" {
		fmt.Fprintf(w, "  File: %s\n", cfg.Logging.File)
	}

	fmt.Fprintln(w, "\nMetrics:")
	fmt.Fprintf(w, "  Enabled: %t\n", cfg.Metrics.Enabled)

	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  Address: %s\n", cfg.Metrics.Address)
	}

	return nil
}

// redactDSN hides the password of a postgres URL
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}

	return u.Redacted()
}

func getStringOrNA(s string) string {
	if s == "" {
		return notAvailable
	}

	return s
}
