package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/company-search/internal/company"
	"github.com/sells-group/company-search/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect search run history",
	Long:  "Commands for listing, viewing, summarizing and exporting search runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List search runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}

		se, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer se.Close()

		status, _ := cmd.Flags().GetString("status")
		account, _ := cmd.Flags().GetString("account")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := se.Store.ListRuns(ctx, company.RunFilter{
			AccountID: account,
			Status:    model.RunStatus(status),
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and the companies it linked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}

		se, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer se.Close()

		run, results, err := loadRun(ctx, se.Store, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Run     *model.SearchRun    `json:"run"`
			Results []company.RunResult `json:"results"`
		}{run, results})
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}

		se, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer se.Close()

		since, _ := cmd.Flags().GetDuration("since")
		filter := company.RunFilter{}
		if since > 0 {
			filter.CreatedAfter = time.Now().Add(-since)
		}
		filter.Limit = 10000 // high limit for stats

		runs, err := se.Store.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

// -- runs export --

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export the companies a run linked as CSV or XLSX",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("out")
		if format != "csv" && format != "xlsx" {
			return eris.Errorf("runs export: unsupported format %q (csv, xlsx)", format)
		}
		if format == "xlsx" && outPath == "" {
			return eris.New("runs export: --out is required for xlsx")
		}

		se, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer se.Close()

		_, results, err := loadRun(ctx, se.Store, args[0])
		if err != nil {
			return err
		}

		var out io.Writer = os.Stdout
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return eris.Wrap(err, "runs export: create output")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		if format == "xlsx" {
			return writeResultsXLSX(out, results)
		}
		return writeResultsCSV(out, results)
	},
}

func loadRun(ctx context.Context, st company.Store, id string) (*model.SearchRun, []company.RunResult, error) {
	run, err := st.GetRun(ctx, id)
	if err != nil {
		return nil, nil, eris.Wrap(err, "load run")
	}
	if run == nil {
		return nil, nil, eris.Errorf("run %s not found", id)
	}
	results, err := st.ListRunResults(ctx, id)
	if err != nil {
		return nil, nil, eris.Wrap(err, "load run results")
	}
	return run, results, nil
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (processing, completed, failed)")
	runsListCmd.Flags().String("account", "", "filter by account")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsExportCmd.Flags().String("format", "csv", "output format (csv, xlsx)")
	runsExportCmd.Flags().StringP("out", "o", "", "output file (default stdout; required for xlsx)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsExportCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Completed  int
	Failed     int
	Processing int
	Short      int
	Companies  int
	CostUSD    float64
	AvgDurSecs float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.SearchRun) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		s.CostUSD += r.CostUSD
		switch r.Status {
		case model.RunStatusCompleted:
			s.Completed++
			s.Companies += r.ResultCount
			if r.ResultCount < r.DesiredCount {
				s.Short++
			}
		case model.RunStatusFailed:
			s.Failed++
		default:
			s.Processing++
		}
		if r.CompletedAt != nil {
			totalDur += r.CompletedAt.Sub(r.CreatedAt)
			durCount++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.SearchRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tQUERY\tSTATUS\tFOUND\tCOST\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t-----\t----\t-------\t--------")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.CreatedAt).Round(time.Second).String()
		}

		query := r.Query
		if len(query) > 30 {
			query = query[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t$%.4f\t%s\t%s\n",
			truncateID(r.ID),
			query,
			r.Status,
			r.ResultCount,
			r.DesiredCount,
			r.CostUSD,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "  Short of target:\t%d\n", s.Short)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Processing:\t%d\n", s.Processing)
	_, _ = fmt.Fprintf(w, "Companies linked:\t%d\n", s.Companies)
	_, _ = fmt.Fprintf(w, "Total cost:\t$%.4f\n", s.CostUSD)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
