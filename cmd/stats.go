package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/kyleking/sqlcontext/internal/graph"
	"github.com/kyleking/sqlcontext/internal/storage"
)

func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:        "stats",
		Usage:       "Display metadata and graph statistics",
		Description: `Show how many tables and columns are stored, how many lack a description, and the size of the relationship graph.`,
		Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
			svc, err := newServices(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			repo, err := svc.Repository(ctx)
			if err != nil {
				return err
			}

			store, err := svc.Graph(ctx)
			if err != nil {
				return err
			}

			return runStatsWithStorage(ctx, os.Stdout, repo, store.Snapshot())
		}),
	}
}

func runStatsWithStorage(ctx context.Context, w io.Writer, repo storage.Repository, g *graph.Graph) error {
	stats, err := repo.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get statistics: %w", err)
	}

	fmt.Fprintf(w, "Metadata Statistics\n")
	fmt.Fprintf(w, "===================\n\n")

	fmt.Fprintf(w, "Driver: %s (schema v%d)\n", stats.Driver, stats.SchemaVersion)
	fmt.Fprintf(w, "Tables: %d\n", stats.TotalTables)
	fmt.Fprintf(w, "Columns: %d (%d derived)\n", stats.TotalColumns, stats.DerivedColumn)
	fmt.Fprintf(w, "Tables without description: %d\n", stats.Undescribed)

	if g != nil {
		fmt.Fprintf(w, "\nRelationship Graph\n")
		fmt.Fprintf(w, "  Tables: %d\n", g.NodeCount())
		fmt.Fprintf(w, "  Relations: %d\n", g.EdgeCount())

		isolated := 0
		for _, name := range g.Tables() {
			if len(g.Neighbors(name)) == 0 {
				isolated++
			}
		}

		if isolated > 0 {
			fmt.Fprintf(w, "  Tables without relations: %d\n", isolated)
		}
	}

	return nil
}
