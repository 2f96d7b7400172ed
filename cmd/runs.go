package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing, viewing, and summarizing recorded pipeline runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		holder, _ := cmd.Flags().GetString("holder")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: model.RunStatus(status),
			Holder: holder,
			Limit:  limit,
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
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		decisions, err := st.ListDecisions(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*model.Run
				Decisions []model.Decision `json:"decisions"`
			}{run, decisions})
		}

		if run.Result != nil && len(run.Result.Stages) > 0 {
			fmt.Fprintln(os.Stdout, formatStages(run.Result.Stages))
		}
		if len(decisions) > 0 {
			formatDecisions(os.Stdout, decisions)
		}
		if run.Result != nil {
			for _, w := range run.Result.Warnings {
				fmt.Fprintf(os.Stdout, "warning: %s\n", w)
			}
			if run.Result.Error != "" {
				fmt.Fprintf(os.Stdout, "error: %s\n", run.Result.Error)
			}
		}
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		if since > 0 {
			cutoff := time.Now().Add(-since)
			kept := runs[:0]
			for _, r := range runs {
				if r.CreatedAt.After(cutoff) {
					kept = append(kept, r)
				}
			}
			runs = kept
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, succeeded, failed)")
	runsListCmd.Flags().String("holder", "", "filter by lock holder id")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsShowCmd.Flags().Bool("json", false, "print the run as JSON")

	runsStatsCmd.Flags().Duration("since", 7*24*time.Hour, "time window for stats (e.g. 24h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Succeeded  int
	Failed     int
	Degraded   int
	New        int
	Referents  int
	ByKind     map[string]int
	AvgDurSecs float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	s := runStats{Total: len(runs), ByKind: make(map[string]int)}

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusSucceeded:
			s.Succeeded++
			totalDur += r.UpdatedAt.Sub(r.CreatedAt)
			durCount++
		case model.RunStatusFailed:
			s.Failed++
			kind := "unknown"
			if r.Result != nil && r.Result.ErrorKind != "" {
				kind = r.Result.ErrorKind
			}
			s.ByKind[kind]++
		}
		if r.Result != nil {
			s.New += r.Result.New
			s.Referents += r.Result.Referents
			if r.Result.Degraded {
				s.Degraded++
			}
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a table of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		newCount, referents, kind := "", "", ""
		if r.Result != nil {
			newCount = strconv.Itoa(r.Result.New)
			referents = strconv.Itoa(r.Result.Referents)
			kind = r.Result.ErrorKind
			if r.Result.Degraded {
				kind = "degraded"
			}
		}
		rows = append(rows, []string{
			truncateID(r.ID),
			string(r.Status),
			newCount,
			referents,
			kind,
			r.CreatedAt.Format("2006-01-02 15:04"),
			r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String(),
		})
	}
	_, _ = fmt.Fprintln(out, renderTable(
		[]string{"ID", "Status", "New", "Referents", "Note", "Created", "Duration"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignRight},
	))
}

func formatDecisions(out io.Writer, decisions []model.Decision) {
	rows := make([][]string, 0, len(decisions))
	for _, d := range decisions {
		referent := "no"
		if d.IsReferent {
			referent = "yes"
		}
		rows = append(rows, []string{
			d.Code,
			d.Name,
			referent,
			d.MatchedCode,
			strconv.FormatFloat(d.Confidence, 'f', 3, 64),
		})
	}
	_, _ = fmt.Fprintln(out, renderTable(
		[]string{"Code", "Name", "Referent", "Match", "Confidence"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	rows := [][]string{
		{"Total runs", strconv.Itoa(s.Total)},
		{"Succeeded", strconv.Itoa(s.Succeeded)},
		{"Failed", strconv.Itoa(s.Failed)},
	}
	for _, kind := range slices.Sorted(maps.Keys(s.ByKind)) {
		rows = append(rows, []string{"  " + kind, strconv.Itoa(s.ByKind[kind])})
	}
	rows = append(rows,
		[]string{"Degraded", strconv.Itoa(s.Degraded)},
		[]string{"New programs", strconv.Itoa(s.New)},
		[]string{"Referents", strconv.Itoa(s.Referents)},
	)
	if s.AvgDurSecs > 0 {
		rows = append(rows, []string{"Avg duration", fmt.Sprintf("%.1fs", s.AvgDurSecs)})
	}
	_, _ = fmt.Fprintln(out, renderTable([]string{"Runs", ""}, rows, []columnAlignment{alignLeft, alignRight}))
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
