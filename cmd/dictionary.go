package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/kyleking/sqlcontext/internal/dictionary"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/storage"
)

func DictionaryCommand() *cli.Command {
	return &cli.Command{
		Name:  "dictionary",
		Usage: "Import, generate and export data dictionaries",
		Commands: []*cli.Command{
			dictionaryImportCommand(),
			dictionaryGenerateCommand(),
			dictionaryExportCommand(),
		},
	}
}

func dictionaryImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import data dictionary documents (JSON or YAML)",
		ArgsUsage: " <file>...",
		Description: `Each document describes one table:

  tableName: orders
  tableDesc: One row per customer order
  records:
    - {TableName: orders, ColumnName: order_id, DataType: BIGINT, Constraints: PRIMARY KEY,
       logic: "", type_of_logic: direct, base_table: raw_orders, Desc: Order identifier}

The table description and column set are replaced. Unless --no-index is given the
description is embedded so the table can be retrieved.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "no-index", Usage: "Store the metadata without embedding it"},
		},
		Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return errors.NewValidationError("at least one file is required")
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

			var idx dictionary.Indexer

			if !cmd.Bool("no-index") {
				ret, err := svc.Retriever(ctx)
				if err != nil {
					return err
				}

				idx = ret
			}

			return runDictionaryImport(ctx, os.Stdout, dictionary.NewImporter(repo, idx), cmd.Args().Slice())
		}),
	}
}

func runDictionaryImport(ctx context.Context, w io.Writer, importer *dictionary.Importer, paths []string) error {
	failed := 0

	for _, path := range paths {
		doc, err := importer.ImportFile(ctx, path)
		if err != nil {
			warnf(w, "%s: %v", path, err)

			failed++

			continue
		}

		fmt.Fprintf(w, "Imported %s (%d columns) from %s\n", doc.TableName, len(doc.Records), path)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) failed to import", failed, len(paths))
	}

	return nil
}

func dictionaryGenerateCommand() *cli.Command {
	return &cli.Command{
		Name:      "generate",
		Usage:     "Write missing column and table descriptions with the LLM",
		ArgsUsage: " <table>",
		Description: `Describe a stored table: direct columns copy the description of the same column
in their base tables, derived columns and the table summary are written by the LLM.
The result is printed as a YAML dictionary document; --save stores it.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "sample-insert", Usage: "File holding a sample INSERT statement for the table"},
			&cli.BoolFlag{Name: "save", Usage: "Store the generated dictionary and index the table"},
		},
		Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.NewValidationError("expected exactly 1 argument, got %d", cmd.Args().Len())
			}

			var sample string

			if path := cmd.String("sample-insert"); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return errors.Wrapf(err, errors.ErrTypeFileSystem, "failed to read %s", path)
				}

				sample = string(data)
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

			gen, err := svc.LLM()
			if err != nil {
				return err
			}

			var importer *dictionary.Importer

			if cmd.Bool("save") {
				ret, err := svc.Retriever(ctx)
				if err != nil {
					return err
				}

				importer = dictionary.NewImporter(repo, ret)
			}

			return runDictionaryGenerate(ctx, os.Stdout, repo,
				dictionary.NewGenerator(repo, gen, svc.Memoizer(ctx)), importer, cmd.Args().First(), sample)
		}),
	}
}

// runDictionaryGenerate prints the generated document and imports it when
// importer is not nil
func runDictionaryGenerate(ctx context.Context, w io.Writer, repo storage.Repository, gen *dictionary.Generator,
	importer *dictionary.Importer, table, sample string) error {
	if err := requireKnownTables(ctx, repo, []string{table}); err != nil {
		return err
	}

	cols, err := repo.GetColumnMetadata(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to get columns: %w", err)
	}

	if len(cols) == 0 {
		return errors.NewValidationError("table %s has no columns to describe", table).
			WithSuggestion("import its DDL first: sqlcontext ddl import <file.sql>")
	}

	generated, err := gen.Generate(ctx, dictionary.GenerateRequest{Table: table, Columns: cols, SampleInsert: sample})
	if err != nil {
		return err
	}

	doc := generated.Document()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode dictionary: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode dictionary: %w", err)
	}

	if importer == nil {
		return nil
	}

	if err := importer.Import(ctx, doc, storage.SourceGenerated); err != nil {
		return err
	}

	fmt.Fprintf(w, "Saved dictionary for %s.\n", doc.TableName)

	return nil
}

func dictionaryExportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export every stored table and column to a parquet file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "dictionary.parquet", Usage: "Output file"},
		},
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

			path := cmd.String("output")

			f, err := os.Create(path)
			if err != nil {
				return errors.Wrapf(err, errors.ErrTypeFileSystem, "failed to create %s", path)
			}
			defer f.Close()

			n, err := dictionary.ExportParquet(ctx, repo, f)
			if err != nil {
				return err
			}

			fmt.Printf("Wrote %d row(s) to %s\n", n, path)

			return nil
		}),
	}
}
