package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/kyleking/sqlcontext/internal/config"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/logging"
	"github.com/kyleking/sqlcontext/internal/metrics"
)

// Version is set at build time
var Version = "dev"

type configKey struct{}

// RootCommand builds the command tree
func RootCommand() *cli.Command {
	return &cli.Command{
		Name:    "sqlcontext",
		Usage:   "Assemble table context for SQL generation from a natural-language question",
		Version: Version,
		Description: `sqlcontext finds the tables relevant to a question with vector search, adds the
intermediate tables needed to join them from a relationship graph, and returns the
descriptions, columns and join keys of every table involved.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db-path", Usage: "Metadata database path (duckdb driver)"},
			&cli.StringFlag{Name: "graph-path", Usage: "Relationship graph snapshot path (file backend)"},
			&cli.StringFlag{Name: "cache-dir", Usage: "Cache directory"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level: debug, info, warn, error"},
			&cli.IntFlag{Name: "top-k", Usage: "Candidates fetched from the vector store per question"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Shorthand for --log-level debug"},
		},
		Commands: []*cli.Command{
			ContextCommand(),
			IndexCommand(),
			TablesCommand(),
			RelationsCommand(),
			DictionaryCommand(),
			DDLCommand(),
			CacheCommand(),
			StatsCommand(),
			MigrateCommand(),
			ConfigCommand(),
		},
	}
}

// Execute runs the CLI with args and prints a failure with its suggestions
func Execute(ctx context.Context, args []string) error {
	// A missing .env is normal; values already in the environment win.
	_ = godotenv.Load()

	err := RootCommand().Run(ctx, args)
	if err != nil {
		printError(os.Stderr, err)
	}

	return err
}

func printError(w io.Writer, err error) {
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	red.Fprintf(w, "Error: ")
	fmt.Fprintln(w, err)

	for _, s := range errors.Suggestions(err) {
		yellow.Fprintf(w, "  hint: %s\n", s)
	}
}

// withConfig loads the configuration, installs the logger and optionally the
// metrics endpoint, then runs fn
func withConfig(fn func(ctx context.Context, cmd *cli.Command) error) func(context.Context, *cli.Command) error {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := config.LoadConfigWithOverrides(flagOverrides(cmd))
		if err != nil {
			return err
		}

		cfg.ExpandAllPaths()

		if err := cfg.EnsureDirectories(); err != nil {
			return errors.Wrap(err, errors.ErrTypeFileSystem, "failed to prepare directories")
		}

		logger, err := logging.NewLogger(cfg.Logging)
		if err != nil {
			return errors.Wrap(err, errors.ErrTypeConfig, "failed to initialize logger")
		}
		defer logger.Close()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ctx = logging.WithContext(ctx, logger)
		ctx = context.WithValue(ctx, configKey{}, cfg)

		if cfg.Metrics.Enabled {
			go func() {
				if err := metrics.Serve(ctx, cfg.Metrics.Address); err != nil {
					logger.Warnf("metrics endpoint stopped: %v", err)
				}
			}()
		}

		return fn(ctx, cmd)
	}
}

func flagOverrides(cmd *cli.Command) map[string]interface{} {
	overrides := map[string]interface{}{}

	for _, name := range []string{"db-path", "graph-path", "cache-dir", "log-level"} {
		if v := cmd.String(name); v != "" {
			overrides[name] = v
		}
	}

	if n := int(cmd.Int("top-k")); n > 0 {
		overrides["top-k"] = n
	}

	if cmd.Bool("verbose") {
		overrides["log-level"] = "debug"
	}

	return overrides
}

func getConfigFromContext(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}

	return nil
}

// mustConfig is getConfigFromContext for actions wrapped by withConfig
func mustConfig(ctx context.Context) (*config.Config, error) {
	cfg := getConfigFromContext(ctx)
	if cfg == nil {
		return nil, errors.NewConfigError("configuration was not loaded", "")
	}

	return cfg, nil
}

func warnf(w io.Writer, format string, args ...interface{}) {
	color.New(color.FgYellow, color.Bold).Fprintf(w, "warning: ")
	fmt.Fprintf(w, format+"\n", args...)
}
