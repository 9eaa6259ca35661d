// Package indexer embeds the table descriptions held in the metadata
// repository into the vector store.
package indexer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kyleking/sqlcontext/internal/logging"
	"github.com/kyleking/sqlcontext/internal/retriever"
	"github.com/kyleking/sqlcontext/internal/storage"
	"github.com/kyleking/sqlcontext/internal/types"
)

// Options tune a batch run
type Options struct {
	Workers     int
	RateLimit   int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
	// Tables restricts the run; empty means every stored table
	Tables []string
	// OnProgress is called after each table finishes
	OnProgress func(done, total int)
}

// Report summarises a batch run
type Report struct {
	Indexed  []string
	Skipped  []string
	Failed   map[string]error
	Duration time.Duration
}

// Indexer feeds repository tables to a retriever
type Indexer struct {
	repo      storage.Repository
	retriever retriever.Retriever
}

// New creates an indexer
func New(repo storage.Repository, r retriever.Retriever) *Indexer {
	return &Indexer{repo: repo, retriever: r}
}

// Run indexes the selected tables in parallel. Tables with neither a
// description nor column descriptions are skipped. Per-table failures are
// collected in the report; the returned error is only set when the table
// list itself cannot be read.
func (ix *Indexer) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	logger := logging.FromContext(ctx)

	records, err := ix.selectTables(ctx, opts.Tables)
	if err != nil {
		return nil, err
	}

	report := &Report{Failed: map[string]error{}}

	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}

	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}

	tasks := make([]Task, 0, len(records))
	skipped := make(chan string, len(records))

	for _, rec := range records {
		tasks = append(tasks, Task{
			ID: rec.Name,
			Func: func(ctx context.Context) error {
				cols, err := ix.repo.GetColumnMetadata(ctx, rec.Name)
				if err != nil {
					return fmt.Errorf("failed to load columns: %w", err)
				}

				text := IndexText(rec.Description, cols)
				if text == "" {
					skipped <- rec.Name
					return nil
				}

				return ix.retriever.Index(ctx, rec.Name, text, map[string]string{"source": rec.Source})
			},
		})
	}

	done := 0
	pool := NewWorkerPool(opts.Workers, opts.RateLimit, opts.BackoffBase, opts.MaxBackoff).
		OnResult(func(Result) {
			done++
			if opts.OnProgress != nil {
				opts.OnProgress(done, len(tasks))
			}
		})

	results := pool.Execute(ctx, tasks)

	close(skipped)

	skip := map[string]bool{}
	for name := range skipped {
		skip[name] = true
	}

	for _, r := range results {
		switch {
		case r.Error != nil:
			report.Failed[r.ID] = r.Error
			logger.WithField("table", r.ID).ErrorWithErr("failed to index table", r.Error)
		case skip[r.ID]:
			report.Skipped = append(report.Skipped, r.ID)
		default:
			report.Indexed = append(report.Indexed, r.ID)
		}
	}

	sort.Strings(report.Indexed)
	sort.Strings(report.Skipped)

	report.Duration = time.Since(start)
	logger.Infof("indexed %d table(s), skipped %d, failed %d in %s",
		len(report.Indexed), len(report.Skipped), len(report.Failed), report.Duration.Round(time.Millisecond))

	return report, nil
}

func (ix *Indexer) selectTables(ctx context.Context, only []string) ([]storage.TableRecord, error) {
	all, err := ix.repo.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	if len(only) == 0 {
		return all, nil
	}

	want := map[string]bool{}
	for _, name := range only {
		want[types.NormalizeTableName(name)] = true
	}

	var out []storage.TableRecord

	for _, rec := range all {
		if want[rec.Name] {
			out = append(out, rec)
			delete(want, rec.Name)
		}
	}

	if len(want) > 0 {
		known := make([]string, 0, len(all))
		for _, rec := range all {
			known = append(known, rec.Name)
		}

		missing := make([]string, 0, len(want))
		for name := range want {
			missing = append(missing, name)
		}

		return nil, storage.UnknownTablesError(missing, known)
	}

	return out, nil
}

// IndexText is the text embedded for a table: its description, or when that
// is empty a sentence built from its column descriptions
func IndexText(description string, cols []types.ColumnDescriptor) string {
	if d := strings.TrimSpace(description); d != "" {
		return d
	}

	var parts []string

	for _, c := range cols {
		if c.Description != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", c.Name, c.Description))
		}
	}

	if len(parts) == 0 {
		return ""
	}

	return "Columns " + strings.Join(parts, "; ")
}
