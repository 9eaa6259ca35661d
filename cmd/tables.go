package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/formatter"
	"github.com/kyleking/sqlcontext/internal/retriever"
	"github.com/kyleking/sqlcontext/internal/storage"
	"github.com/kyleking/sqlcontext/internal/types"
)

func TablesCommand() *cli.Command {
	return &cli.Command{
		Name:  "tables",
		Usage: "Inspect and remove stored tables",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List every table in the metadata repository",
				Action: withConfig(func(ctx context.Context, _ *cli.Command) error {
					svc, err := newServices(ctx)
					if err != nil {
						return err
					}
					defer svc.Close()

					repo, err := svc.Repository(ctx)
					if err != nil {
						return err
					}

					return runListTables(ctx, os.Stdout, repo)
				}),
			},
			{
				Name:      "show",
				Usage:     "Display the description and columns of a table",
				ArgsUsage: " <table>",
				Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return errors.NewValidationError("expected exactly 1 argument, got %d", cmd.Args().Len())
					}

					svc, err := newServices(ctx)
					if err != nil {
						return err
					}
					defer svc.Close()

					repo, err := svc.Repository(ctx)
					if err != nil {
						return err
					}

					return runShowTable(ctx, os.Stdout, repo, cmd.Args().First())
				}),
			},
			{
				Name:        "remove",
				Usage:       "Remove a table from the repository and the vector index",
				Description: `Delete the description and columns of a table and its embedding. Relations are kept. This action requires confirmation.`,
				ArgsUsage:   " <table>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Skip confirmation prompt"},
				},
				Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return errors.NewValidationError("expected exactly 1 argument, got %d", cmd.Args().Len())
					}

					svc, err := newServices(ctx)
					if err != nil {
						return err
					}
					defer svc.Close()

					repo, err := svc.Repository(ctx)
					if err != nil {
						return err
					}

					ret, err := svc.Retriever(ctx)
					if err != nil {
						return err
					}

					var confirm io.Reader
					if !cmd.Bool("force") {
						confirm = os.Stdin
					}

					return runRemoveTable(ctx, os.Stdout, confirm, repo, ret, cmd.Args().First())
				}),
			},
		},
	}
}

func runListTables(ctx context.Context, w io.Writer, repo storage.Repository) error {
	tables, err := repo.ListTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}

	if len(tables) == 0 {
		fmt.Fprintln(w, "No tables stored. Import a data dictionary or DDL first.")
		return nil
	}

	f := formatter.NewFormatter()
	for _, t := range tables {
		fmt.Fprintln(w, f.FormatRecord(t))
	}

	return nil
}

func runShowTable(ctx context.Context, w io.Writer, repo storage.Repository, name string) error {
	if err := requireKnownTables(ctx, repo, []string{name}); err != nil {
		return err
	}

	desc, err := repo.GetTableDescription(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to get description: %w", err)
	}

	cols, err := repo.GetColumnMetadata(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to get columns: %w", err)
	}

	t := types.NewTableDescriptor(name).WithColumns(cols)
	t.Description = desc

	fmt.Fprintln(w, formatter.NewFormatter().FormatTable(t, formatter.FormatLong))

	return nil
}

// runRemoveTable asks for confirmation on confirm unless it is nil
func runRemoveTable(ctx context.Context, w io.Writer, confirm io.Reader, repo storage.Repository, r retriever.Retriever, name string) error {
	if err := requireKnownTables(ctx, repo, []string{name}); err != nil {
		return err
	}

	name = types.NormalizeTableName(name)

	if confirm != nil {
		fmt.Fprintf(w, "This will delete the metadata and embedding of %s.\n", name)
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

	if err := repo.DeleteTable(ctx, name); err != nil {
		return fmt.Errorf("failed to delete table: %w", err)
	}

	if err := r.Remove(ctx, name); err != nil {
		return fmt.Errorf("failed to remove embedding: %w", err)
	}

	fmt.Fprintf(w, "Removed %s.\n", name)

	return nil
}

// requireKnownTables fails with "did you mean" suggestions for tables the
// repository does not hold
func requireKnownTables(ctx context.Context, repo storage.Repository, names []string) error {
	records, err := repo.ListTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}

	known := make([]string, len(records))
	have := make(map[string]bool, len(records))

	for i, r := range records {
		known[i] = r.Name
		have[r.Name] = true
	}

	var missing []string

	for _, n := range names {
		if !have[types.NormalizeTableName(n)] {
			missing = append(missing, types.NormalizeTableName(n))
		}
	}

	if len(missing) > 0 {
		return storage.UnknownTablesError(missing, known)
	}

	return nil
}
