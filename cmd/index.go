package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/briandowns/spinner"
	"github.com/urfave/cli/v3"

	"github.com/kyleking/sqlcontext/internal/indexer"
)

func IndexCommand() *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "Embed stored table descriptions into the vector store",
		Description: `Embed every table of the metadata repository (or only --tables) so the retriever
can find it. Tables without any description are skipped. Failed tables are reported
and the command exits with an error.`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "tables", Aliases: []string{"t"}, Usage: "Only index these tables"},
			&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Value: 4, Usage: "Parallel workers"},
			&cli.IntFlag{Name: "rate-limit", Value: 10, Usage: "Embedding calls allowed per 100ms window"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Do not show progress"},
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

			ret, err := svc.Retriever(ctx)
			if err != nil {
				return err
			}

			opts := indexer.Options{
				Workers:   int(cmd.Int("workers")),
				RateLimit: int(cmd.Int("rate-limit")),
				Tables:    splitList(cmd.StringSlice("tables")),
			}

			if !cmd.Bool("quiet") {
				s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
				s.Suffix = " Indexing tables..."
				s.Start()

				defer s.Stop()

				opts.OnProgress = func(done, total int) {
					s.Lock()
					s.Suffix = fmt.Sprintf(" Indexing tables... %d/%d", done, total)
					s.Unlock()
				}
			}

			report, err := indexer.New(repo, ret).Run(ctx, opts)
			if err != nil {
				return err
			}

			return printIndexReport(os.Stdout, report)
		}),
	}
}

func printIndexReport(w io.Writer, report *indexer.Report) error {
	fmt.Fprintf(w, "\nIndexed %d table(s) in %s\n", len(report.Indexed), report.Duration.Round(time.Millisecond))

	if len(report.Skipped) > 0 {
		fmt.Fprintf(w, "Skipped %d table(s) without description: ", len(report.Skipped))

		for i, name := range report.Skipped {
			if i > 0 {
				fmt.Fprint(w, ", ")
			}

			fmt.Fprint(w, name)
		}

		fmt.Fprintln(w)
	}

	if len(report.Failed) == 0 {
		return nil
	}

	names := make([]string, 0, len(report.Failed))
	for name := range report.Failed {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		warnf(w, "%s: %v", name, report.Failed[name])
	}

	return fmt.Errorf("%d table(s) failed to index", len(report.Failed))
}
