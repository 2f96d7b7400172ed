package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/referent-cli/internal/history"
	"github.com/sells-group/referent-cli/internal/lock"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and maintain run history",
}

var historyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger size and outstanding snapshots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := newAppEnv(cfg).History.Status()
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, formatHistoryStatus(st, cfg.History.ConsolidationBound))
		return nil
	},
}

var historyConsolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Merge every snapshot into the ledger now",
	Long:  "Takes the run lock, merges all snapshots into the ledger and deletes them.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env := newAppEnv(cfg)
		lease, err := env.Locks.TryAcquire(lock.KindPipeline)
		if err != nil {
			return err
		}
		defer lease.Release() //nolint:errcheck

		n, err := env.History.Consolidate()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "consolidated %d snapshot(s)\n", n)
		return nil
	},
}

func init() {
	historyCmd.AddCommand(historyStatusCmd)
	historyCmd.AddCommand(historyConsolidateCmd)
	rootCmd.AddCommand(historyCmd)
}

func formatHistoryStatus(st history.Status, bound int) string {
	rows := [][]string{
		{"Ledger entries", strconv.Itoa(st.LedgerEntries)},
		{"Snapshots", fmt.Sprintf("%d (consolidates above %d)", st.Snapshots, bound)},
	}
	if st.Oldest != nil {
		rows = append(rows, []string{"Oldest snapshot", st.Oldest.Format(time.RFC3339)})
	}
	if st.Newest != nil {
		rows = append(rows, []string{"Newest snapshot", st.Newest.Format(time.RFC3339)})
	}
	return renderTable([]string{"History", ""}, rows, nil)
}
