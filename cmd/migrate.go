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
	"github.com/kyleking/sqlcontext/internal/storage"
)

// schemaMigrator is the part of storage.MigrationManager the command needs
type schemaMigrator interface {
	GetMigrationStatus(ctx context.Context) ([]storage.MigrationStatus, error)
	MigrateDown(ctx context.Context, targetVersion int) error
}

func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Inspect or roll back the metadata schema",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "List schema migrations and whether they are applied",
				Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
					return withMigrator(ctx, func(m schemaMigrator) error {
						return runMigrateStatus(ctx, os.Stdout, m)
					})
				}),
			},
			{
				Name:  "down",
				Usage: "Roll back migrations newer than --to",
				Description: `Roll back applied metadata migrations above the target version. Rolling back
to 0 drops every metadata table. The next command that opens the repository
migrates the schema up again.`,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "to", Usage: "Target schema version", Required: true},
					&cli.BoolFlag{Name: "force", Usage: "Skip confirmation prompt"},
				},
				Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
					target := int(cmd.Int("to"))
					if target < 0 {
						return errors.NewValidationError("--to must not be negative, got %d", target)
					}

					var confirm io.Reader = os.Stdin
					if cmd.Bool("force") {
						confirm = nil
					}

					return withMigrator(ctx, func(m schemaMigrator) error {
						return runMigrateDown(ctx, os.Stdout, confirm, m, target)
					})
				}),
			},
		},
	}
}

func withMigrator(ctx context.Context, fn func(schemaMigrator) error) error {
	svc, err := newServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	repo, err := svc.Repository(ctx)
	if err != nil {
		return err
	}

	return fn(repo.Migrations())
}

func runMigrateStatus(ctx context.Context, w io.Writer, m schemaMigrator) error {
	status, err := m.GetMigrationStatus(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrTypeDatabase, "failed to read migration status")
	}

	for _, s := range status {
		state := "pending"
		if s.Applied {
			state = "applied"
			if !s.AppliedAt.IsZero() {
				state += " " + s.AppliedAt.Format("2006-01-02 15:04")
			}
		}

		fmt.Fprintf(w, "%3d  %-40s %s\n", s.Version, s.Description, state)
	}

	return nil
}

func runMigrateDown(ctx context.Context, w io.Writer, confirm io.Reader, m schemaMigrator, target int) error {
	status, err := m.GetMigrationStatus(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrTypeDatabase, "failed to read migration status")
	}

	var rollback []int

	for _, s := range status {
		if s.Applied && s.Version > target {
			rollback = append(rollback, s.Version)
		}
	}

	if len(rollback) == 0 {
		fmt.Fprintf(w, "Schema is already at or below version %d.\n", target)
		return nil
	}

	if confirm != nil {
		fmt.Fprintf(w, "This will roll back %d migration(s) and may drop stored metadata.\n", len(rollback))
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

	if err := m.MigrateDown(ctx, target); err != nil {
		return errors.Wrap(err, errors.ErrTypeDatabase, "failed to roll back migrations")
	}

	fmt.Fprintf(w, "Rolled back to schema version %d.\n", target)

	return nil
}
