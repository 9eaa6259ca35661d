package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/kyleking/sqlcontext/internal/cache"
)

func CacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect or clear the embedding and LLM cache",
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "Show cache statistics",
				Action: withConfig(func(ctx context.Context, _ *cli.Command) error {
					svc, err := newServices(ctx)
					if err != nil {
						return err
					}
					defer svc.Close()

					c, err := svc.Cache(ctx)
					if err != nil {
						return err
					}

					return runCacheStats(ctx, os.Stdout, c)
				}),
			},
			{
				Name:        "clear",
				Usage:       "Remove every cached embedding, score and LLM reply",
				Description: `Stored metadata, relations and the vector index are not touched. This action requires confirmation.`,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Skip confirmation prompt"},
				},
				Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
					svc, err := newServices(ctx)
					if err != nil {
						return err
					}
					defer svc.Close()

					c, err := svc.Cache(ctx)
					if err != nil {
						return err
					}

					var confirm io.Reader
					if !cmd.Bool("force") {
						confirm = os.Stdin
					}

					return runCacheClear(ctx, os.Stdout, confirm, c)
				}),
			},
		},
	}
}

func runCacheStats(ctx context.Context, w io.Writer, c cache.Cache) error {
	stats, err := c.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get cache stats: %w", err)
	}

	fmt.Fprintf(w, "Backend: %s\n", stats.Backend)
	fmt.Fprintf(w, "Entries: %d\n", stats.TotalEntries)
	fmt.Fprintf(w, "Size: %.2f MB\n", float64(stats.TotalSize)/(1024*1024))
	fmt.Fprintf(w, "Hits: %d  Misses: %d  Hit rate: %.1f%%\n", stats.Hits, stats.Misses, stats.HitRate*100)

	return nil
}

// runCacheClear asks for confirmation on confirm unless it is nil
func runCacheClear(ctx context.Context, w io.Writer, confirm io.Reader, c cache.Cache) error {
	if confirm != nil {
		fmt.Fprintln(w, "This will delete every cached embedding, reranker score and LLM reply.")
		fmt.Fprintf(w, "Type 'yes' to confirm: ")

		response, err := bufio.NewReader(confirm).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read input: %w", err)
		}

		if strings.TrimSpace(strings.ToLower(response)) != "yes" {
			fmt.Fprintln(w, "Operation cancelled.")
			return nil
		}
	}

	if err := c.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}

	if err := c.Cleanup(ctx); err != nil {
		return fmt.Errorf("failed to clean up cache: %w", err)
	}

	fmt.Fprintln(w, "Cache cleared.")

	return nil
}
