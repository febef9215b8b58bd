package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/product-automation/internal/automation"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and worker pool",
		Long: `Starts the HTTP API and the worker pool. Unfinished runs from a previous
process are resumed when pipeline.resume_on_start is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			// Serve closes the app on shutdown.
			return app.Serve(cmd.Context())
		},
	}
}

func newSubmitCmd() *cobra.Command {
	var (
		file        string
		wait        bool
		parallelism int
		delays      map[string]string
	)
	cmd := &cobra.Command{
		Use:   "submit [source-ref...]",
		Short: "Submits a run over product page URLs",
		Long: `Creates a run for the given source references. With --wait the command
processes the run in this process and prints the final report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := append([]string(nil), args...)
			if file != "" {
				fromFile, err := readRefs(file)
				if err != nil {
					return err
				}
				refs = append(refs, fromFile...)
			}
			return withApp(cmd, func(ctx context.Context, app App) error {
				cfg := app.Config()
				runCfg := automation.RunConfig{Parallelism: cfg.Pipeline.Workers, Delays: cfg.Delays()}
				if parallelism > 0 {
					runCfg.Parallelism = parallelism
				}
				if err := applyDelays(runCfg.Delays, delays); err != nil {
					return err
				}
				run, err := app.Runs().SubmitRun(ctx, refs, runCfg)
				if err != nil {
					return fmt.Errorf("submit run: %w", err)
				}
				if !wait {
					return printJSON(cmd.OutOrStdout(), map[string]any{"run_id": run.ID, "run": run})
				}
				return drainAndReport(ctx, cmd.OutOrStdout(), app, run.ID)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one source reference per line")
	cmd.Flags().BoolVar(&wait, "wait", false, "process the run in this process and print the report")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "most stages of this run in flight at once (default pipeline.workers)")
	cmd.Flags().StringToStringVar(&delays, "delay", nil, "provider=seconds spacing for this run, e.g. --delay scraper=0,copy=1.5")
	return cmd
}

// applyDelays overrides entries of base from provider=seconds flags. Only
// providers already present in base are accepted.
func applyDelays(base map[string]time.Duration, flags map[string]string) error {
	for provider, raw := range flags {
		if _, ok := base[provider]; !ok {
			return fmt.Errorf("--delay: unknown provider %q", provider)
		}
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 {
			return fmt.Errorf("--delay %s: want non-negative seconds, got %q", provider, raw)
		}
		base[provider] = time.Duration(secs * float64(time.Second))
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Prints a run report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				rep, err := app.Runs().GetRunStatus(ctx, args[0])
				if err != nil {
					return fmt.Errorf("get run %s: %w", args[0], err)
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancels a run",
		Long:  `Stops further stages from starting. Stages already executing finish and are recorded.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				run, err := app.Runs().CancelRun(ctx, args[0])
				if err != nil {
					return fmt.Errorf("cancel run %s: %w", args[0], err)
				}
				return printJSON(cmd.OutOrStdout(), run)
			})
		},
	}
}

func newResubmitCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "resubmit <run-id>",
		Short: "Submits a new run over the failed items of a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				run, err := app.Runs().ResubmitFailed(ctx, args[0])
				if err != nil {
					return fmt.Errorf("resubmit run %s: %w", args[0], err)
				}
				if !wait {
					return printJSON(cmd.OutOrStdout(), map[string]any{"run_id": run.ID, "run": run})
				}
				return drainAndReport(ctx, cmd.OutOrStdout(), app, run.ID)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "process the new run in this process and print the report")
	return cmd
}

func newExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Writes a run report as an XLSX workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				data, err := app.ExportRunXLSX(ctx, args[0])
				if err != nil {
					return fmt.Errorf("export run %s: %w", args[0], err)
				}
				path := out
				if path == "" {
					path = "run-" + args[0] + ".xlsx"
				}
				if err := os.WriteFile(path, data, 0o600); err != nil {
					return fmt.Errorf("write %s: %w", path, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default run-<id>.xlsx)")
	return cmd
}

func drainAndReport(ctx context.Context, w io.Writer, app App, runID string) error {
	if err := app.Drain(ctx, runID); err != nil {
		return fmt.Errorf("process run %s: %w", runID, err)
	}
	rep, err := app.Runs().GetRunStatus(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run %s: %w", runID, err)
	}
	return printJSON(w, rep)
}

func readRefs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var refs []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return refs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
