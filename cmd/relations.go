package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/formatter"
	"github.com/kyleking/sqlcontext/internal/graph"
	"github.com/kyleking/sqlcontext/internal/llm"
	"github.com/kyleking/sqlcontext/internal/relations"
	"github.com/kyleking/sqlcontext/internal/types"
)

func RelationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "relations",
		Usage: "Manage the relationship graph",
		Commands: []*cli.Command{
			relationsAddCommand(),
			relationsRemoveCommand(),
			relationsPathCommand(),
			relationsExportCommand(),
			relationsExtractCommand(),
		},
	}
}

func relationsAddCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Add or replace a relation between two tables",
		ArgsUsage: " <source> <target> <source_col=target_col>...",
		Description: `Add one relation from the arguments, or every relation of a YAML or JSON file.

Examples:
  sqlcontext relations add orders customers cust_id=id
  sqlcontext relations add --file relations.yaml`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Usage: "YAML or JSON file with a relations list"},
		},
		Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
			var (
				rels []types.Relation
				err  error
			)

			if path := cmd.String("file"); path != "" {
				if rels, err = graph.LoadRelationsFile(path); err != nil {
					return err
				}
			} else {
				rel, err := parseRelationArgs(cmd.Args().Slice())
				if err != nil {
					return err
				}

				rels = []types.Relation{rel}
			}

			svc, err := newServices(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			store, err := svc.Graph(ctx)
			if err != nil {
				return err
			}

			if err := store.AddRelation(ctx, rels); err != nil {
				return err
			}

			fmt.Printf("Added %d relation(s).\n", len(rels))

			return nil
		}),
	}
}

// parseRelationArgs reads "<source> <target> a=b [c=d ...]"
func parseRelationArgs(args []string) (types.Relation, error) {
	if len(args) < 3 {
		return types.Relation{}, errors.NewValidationError(
			"expected <source> <target> <source_col=target_col>..., got %d argument(s)", len(args))
	}

	rel := types.Relation{SourceTable: args[0], TargetTable: args[1]}

	for _, arg := range args[2:] {
		src, tgt, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(src) == "" || strings.TrimSpace(tgt) == "" {
			return types.Relation{}, errors.NewValidationError("invalid join key %q (want source_col=target_col)", arg)
		}

		rel.JoinKeys = append(rel.JoinKeys, types.JoinKey{
			SourceColumn: strings.TrimSpace(src),
			TargetColumn: strings.TrimSpace(tgt),
		})
	}

	return rel, nil
}

func relationsRemoveCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "Remove the relation between two tables",
		ArgsUsage: " <table> <table>",
		Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return errors.NewValidationError("expected exactly 2 arguments, got %d", cmd.Args().Len())
			}

			svc, err := newServices(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			store, err := svc.Graph(ctx)
			if err != nil {
				return err
			}

			if err := store.RemoveRelation(ctx, cmd.Args().Get(0), cmd.Args().Get(1)); err != nil {
				return err
			}

			fmt.Println("Relation removed.")

			return nil
		}),
	}
}

func relationsPathCommand() *cli.Command {
	return &cli.Command{
		Name:      "path",
		Usage:     "Show the joins connecting a set of tables",
		ArgsUsage: " <table>...",
		Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
			svc, err := newServices(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			store, err := svc.Graph(ctx)
			if err != nil {
				return err
			}

			return runRelationsPath(ctx, os.Stdout, store, cmd.Args().Slice())
		}),
	}
}

// relationSource is satisfied by *graph.Store
type relationSource interface {
	GetRelations(ctx context.Context, targets []string) ([]types.RelationHop, error)
}

func runRelationsPath(ctx context.Context, w io.Writer, store relationSource, tables []string) error {
	hops, err := store.GetRelations(ctx, tables)
	if err != nil && hops == nil {
		return err
	}

	f := formatter.NewFormatter()
	for _, hop := range hops {
		fmt.Fprintln(w, f.FormatHop(hop))
	}

	if pairs := graph.UnreachablePairs(err); len(pairs) > 0 {
		for _, p := range pairs {
			warnf(w, "no join path between %s and %s", p.A, p.B)
		}

		return nil
	}

	return err
}

func relationsExportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write the graph in Graphviz DOT format",
		Description: `Examples:
  sqlcontext relations export | dot -Tsvg > relations.svg
  sqlcontext relations export --output relations.dot`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output file (default stdout)"},
		},
		Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
			svc, err := newServices(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			store, err := svc.Graph(ctx)
			if err != nil {
				return err
			}

			var w io.Writer = os.Stdout

			if path := cmd.String("output"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return errors.Wrapf(err, errors.ErrTypeFileSystem, "failed to create %s", path)
				}
				defer f.Close()

				w = f
			}

			return store.Snapshot().WriteDOT(w)
		}),
	}
}

func relationsExtractCommand() *cli.Command {
	return &cli.Command{
		Name:      "extract",
		Usage:     "Find relations in a SQL script and add them to the graph",
		ArgsUsage: " <file.sql>",
		Description: `Read foreign keys and join conditions from a SQL script. The heuristic mode parses
the SQL directly; the llm mode asks the configured LLM provider.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: string(relations.ModeHeuristic), Usage: "Extraction mode: heuristic or llm"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Print the relations without storing them"},
		},
		Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.NewValidationError("expected exactly 1 argument, got %d", cmd.Args().Len())
			}

			sql, err := os.ReadFile(cmd.Args().First())
			if err != nil {
				return errors.Wrapf(err, errors.ErrTypeFileSystem, "failed to read %s", cmd.Args().First())
			}

			svc, err := newServices(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			var writer relations.RelationWriter

			if !cmd.Bool("dry-run") {
				store, err := svc.Graph(ctx)
				if err != nil {
					return err
				}

				writer = store
			}

			mode := relations.Mode(cmd.String("mode"))

			var gen llm.Generator

			if mode == relations.ModeLLM {
				manager, err := svc.LLM()
				if err != nil {
					return err
				}

				gen = manager
			}

			ex, err := relations.NewExtractor(mode, gen, svc.Memoizer(ctx), writer)
			if err != nil {
				return err
			}

			var rels []types.Relation

			if writer == nil {
				rels, err = ex.Extract(ctx, string(sql))
			} else {
				rels, err = ex.ExtractAndAdd(ctx, string(sql))
			}

			if err != nil {
				return err
			}

			printRelations(os.Stdout, rels)

			return nil
		}),
	}
}

func printRelations(w io.Writer, rels []types.Relation) {
	if len(rels) == 0 {
		fmt.Fprintln(w, "No relations found.")
		return
	}

	for _, r := range rels {
		keys := make([]string, len(r.JoinKeys))
		for i, k := range r.JoinKeys {
			keys[i] = k.SourceColumn + "=" + k.TargetColumn
		}

		fmt.Fprintf(w, "%s %s %s\n", r.SourceTable, r.TargetTable, strings.Join(keys, " "))
	}
}
