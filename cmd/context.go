package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/kyleking/sqlcontext/internal/assembler"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/formatter"
	"github.com/kyleking/sqlcontext/internal/types"
)

// ContextCommand assembles the table context for a question
func ContextCommand() *cli.Command {
	return &cli.Command{
		Name:      "context",
		Usage:     "Assemble the table context for a natural-language question",
		ArgsUsage: " <question>",
		Description: `Retrieve, score and select the tables relevant to the question, add the
intermediate tables needed to join them and print descriptions, columns and join keys.

Examples:
  sqlcontext context "total sales per region last month"
  sqlcontext context --format text "customers without orders"
  sqlcontext context --tables orders,regions "revenue by region"`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "json", Usage: "Output format: json, text or short"},
			&cli.StringSliceFlag{Name: "tables", Aliases: []string{"t"}, Usage: "Skip retrieval and use these direct tables"},
			&cli.BoolFlag{Name: "trace", Usage: "Include the scored candidates in the output"},
		},
		Action: withConfig(func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.NewValidationError("expected exactly 1 argument, got %d", cmd.Args().Len())
			}

			opts := contextOptions{
				Question: cmd.Args().First(),
				Format:   cmd.String("format"),
				Tables:   splitList(cmd.StringSlice("tables")),
				Trace:    cmd.Bool("trace"),
			}

			svc, err := newServices(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			asm, err := svc.Assembler(ctx)
			if err != nil {
				return err
			}

			return runContext(ctx, os.Stdout, os.Stderr, asm, opts)
		}),
	}
}

type contextOptions struct {
	Question string
	Format   string
	Tables   []string
	Trace    bool
}

// contextAssembler is the part of *assembler.Assembler the command uses
type contextAssembler interface {
	AssembleWithTrace(ctx context.Context, query string) (*types.ContextResult, *assembler.Trace, error)
	AssembleTables(ctx context.Context, query string, tables []string) (*types.ContextResult, error)
}

func runContext(ctx context.Context, out, diag io.Writer, asm contextAssembler, opts contextOptions) error {
	switch opts.Format {
	case "json", "text", "short":
	default:
		return errors.NewValidationError("invalid format %q (must be json, text or short)", opts.Format)
	}

	var (
		result *types.ContextResult
		trace  *assembler.Trace
		err    error
	)

	if len(opts.Tables) > 0 {
		result, err = asm.AssembleTables(ctx, opts.Question, opts.Tables)
	} else {
		result, trace, err = asm.AssembleWithTrace(ctx, opts.Question)
	}

	// An unreachable error still carries a usable, degraded result
	if result == nil {
		return err
	}

	switch opts.Format {
	case "text":
		printContextText(out, result, trace, opts.Trace, formatter.FormatLong)
	case "short":
		printContextText(out, result, trace, opts.Trace, formatter.FormatShort)
	default:
		if err := printContextJSON(out, result, trace, opts.Trace); err != nil {
			return err
		}
	}

	if result.Degraded() {
		pairs := make([]string, len(result.UnresolvedPairs))
		for i, p := range result.UnresolvedPairs {
			pairs[i] = p.String()
		}

		warnf(diag, "no join path for: %s", strings.Join(pairs, ", "))
	}

	if len(result.TableList.Direct) == 0 {
		warnf(diag, "no table passed the selection policy")
	}

	return nil
}

func printContextJSON(w io.Writer, result *types.ContextResult, trace *assembler.Trace, withTrace bool) error {
	var v interface{} = result

	if withTrace {
		v = struct {
			*types.ContextResult
			Trace *assembler.Trace `json:"trace,omitempty"`
		}{result, trace}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	return nil
}

func printContextText(w io.Writer, result *types.ContextResult, trace *assembler.Trace, withTrace bool, format formatter.OutputFormat) {
	f := formatter.NewFormatter()

	fmt.Fprintln(w, f.FormatContext(result, format))

	if withTrace && trace != nil {
		fmt.Fprintf(w, "\nCandidates (%d):\n", len(trace.Candidates))

		for i, c := range trace.Candidates {
			fmt.Fprintf(w, "  %s\n", f.FormatCandidate(c, i+1))
		}
	}
}

// splitList flattens comma separated flag values
func splitList(values []string) []string {
	var out []string

	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}

	return out
}
