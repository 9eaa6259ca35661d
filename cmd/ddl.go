package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/kyleking/sqlcontext/internal/ddl"
	"github.com/kyleking/sqlcontext/internal/dictionary"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/relations"
	"github.com/kyleking/sqlcontext/internal/storage"
)

func DDLCommand() *cli.Command {
	return &cli.Command{
		Name:  "ddl",
		Usage: "Load table structure from CREATE TABLE statements",
		Commands: []*cli.Command{
			{
				Name:      "import",
				Usage:     "Store the columns declared in a DDL script",
				ArgsUsage: " <file.sql>",
				Description: `Parse every CREATE TABLE statement and replace the stored column set of each
table with its declared columns and constraints. Existing table descriptions are
kept. Foreign keys are added to the relationship graph unless --no-relations is given.`,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "no-relations", Usage: "Do not add foreign keys to the graph"},
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

					repo, err := svc.Repository(ctx)
					if err != nil {
						return err
					}

					var writer relations.RelationWriter

					if !cmd.Bool("no-relations") {
						store, err := svc.Graph(ctx)
						if err != nil {
							return err
						}

						writer = store
					}

					return runDDLImport(ctx, os.Stdout, repo, writer, string(sql))
				}),
			},
		},
	}
}

// runDDLImport stores the parsed tables and, when writer is set, their
// foreign keys
func runDDLImport(ctx context.Context, w io.Writer, repo storage.Repository, writer relations.RelationWriter, sql string) error {
	tables, err := ddl.Parse(sql)
	if err != nil {
		return err
	}

	importer := dictionary.NewImporter(repo, nil)

	for _, t := range tables {
		desc, err := repo.GetTableDescription(ctx, t.Name)
		if err != nil {
			return fmt.Errorf("failed to read description of %s: %w", t.Name, err)
		}

		if err := importer.Import(ctx, dictionary.NewDocument(t.Name, desc, t.Descriptors()), storage.SourceDDL); err != nil {
			return err
		}

		fmt.Fprintf(w, "Imported %s (%d columns)\n", t.Name, len(t.Columns))
	}

	if writer == nil {
		return nil
	}

	rels := ddl.ForeignKeyRelations(tables)
	if len(rels) == 0 {
		return nil
	}

	if err := writer.AddRelation(ctx, rels); err != nil {
		return fmt.Errorf("failed to add foreign keys: %w", err)
	}

	fmt.Fprintf(w, "Added %d relation(s) from foreign keys\n", len(rels))

	return nil
}
