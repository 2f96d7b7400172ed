package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/pipeline"
)

var (
	runSource string
	runJSON   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the diff and classification pipeline once",
	Long:  "Acquires the run lock, extracts the configured source, flags programs never seen before, classifies them against the catalog and commits the program store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if runSource != "" {
			cfg.Source.Location = runSource
		}
		if cfg.Source.Location == "" {
			return eris.New("run: source.location is required (--source or REFERENT_SOURCE_LOCATION)")
		}

		env := newAppEnv(cfg)
		defer env.Close() //nolint:errcheck
		ledger := initLedger(ctx, cfg)
		if ledger != nil {
			defer ledger.Close() //nolint:errcheck
		}
		pm, err := newPipelineMetrics()
		if err != nil {
			return err
		}
		deps, err := env.pipelineDeps(cfg, ledger, pm)
		if err != nil {
			return err
		}

		h := pipeline.New(deps, pipeline.SettingsFrom(*cfg)).Start(ctx, nil)
		if !runJSON {
			for ev := range h.Events() {
				printEvent(os.Stderr, ev)
			}
		}
		res, runErr := h.Wait()

		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return eris.Wrap(err, "run: encode result")
			}
		} else {
			formatRunResult(os.Stdout, res)
		}

		if runErr != nil {
			return runErr
		}
		zap.L().Info("run complete", zap.String("run_id", res.RunID), zap.Int("new", res.Summary.New))
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runSource, "source", "", "extract location: path, http(s):// or ftp:// URL (default from config)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run result as JSON")
	rootCmd.AddCommand(runCmd)
}

func printEvent(w io.Writer, ev pipeline.Event) {
	line := fmt.Sprintf("[%d/%d] %-16s %s", ev.Index, len(pipeline.Stages)-1, ev.Stage, ev.Status)
	if ev.Err != nil && ev.Stage != pipeline.StageUnlocked {
		line += ": " + ev.Err.Error()
	}
	_, _ = fmt.Fprintln(w, line)
	for _, warn := range ev.Warnings {
		_, _ = fmt.Fprintf(w, "    warning: %s\n", warn)
	}
}

// formatRunResult writes the run summary and its stage table to w.
func formatRunResult(w io.Writer, res *pipeline.Result) {
	if res == nil {
		return
	}
	s := res.Summary

	rows := [][]string{
		{"Status", string(res.Status)},
		{"Run", res.RunID},
		{"Duration", res.Duration.Round(time.Millisecond).String()},
		{"Records", strconv.Itoa(s.Records)},
		{"New", strconv.Itoa(s.New)},
		{"Known", strconv.Itoa(s.Known)},
		{"Referents", strconv.Itoa(s.Referents)},
		{"Model version", strconv.Itoa(s.ModelVersion)},
	}
	if s.Degraded {
		rows = append(rows, []string{"Degraded", s.DegradedReason})
	}
	if s.Consolidated > 0 {
		rows = append(rows, []string{"Consolidated", strconv.Itoa(s.Consolidated)})
	}
	if s.FailedStage != "" {
		rows = append(rows, []string{"Failed stage", s.FailedStage}, []string{"Error kind", s.ErrorKind})
	}
	_, _ = fmt.Fprintln(w, renderTable([]string{"Field", "Value"}, rows, nil))

	if len(s.Stages) > 0 {
		_, _ = fmt.Fprintln(w, formatStages(s.Stages))
	}
}

func formatStages(stages []model.StageResult) string {
	rows := make([][]string, 0, len(stages))
	for _, st := range stages {
		rows = append(rows, []string{
			strconv.Itoa(st.Index),
			st.Name,
			string(st.Status),
			fmt.Sprintf("%dms", st.Duration),
			strconv.Itoa(len(st.Warnings)),
		})
	}
	return renderTable(
		[]string{"#", "Stage", "Status", "Duration", "Warnings"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight},
	)
}
