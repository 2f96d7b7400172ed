package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/referent-cli/internal/lock"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or clear the run lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the run lock",
	RunE: func(cmd *cobra.Command, _ []string) error {
		lm := newAppEnv(cfg).Locks
		st, err := lm.Inspect()
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, formatLockStatus(lm.Path(), st))
		return nil
	},
}

var lockReleaseForce bool

var lockReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Clear a lease left behind by a crashed holder",
	Long:  "Removes an orphaned lease record. A lock still held by a live process is never broken; stop that process first.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		lm := newAppEnv(cfg).Locks
		st, err := lm.Inspect()
		if err != nil {
			return err
		}
		if st.Lease == nil && !st.Held {
			fmt.Fprintln(os.Stdout, "lock is free")
			return nil
		}
		if !st.Orphaned && !lockReleaseForce {
			holder := "another process"
			if st.Lease != nil {
				holder = st.Lease.Kind + " " + st.Lease.Holder
			}
			return fmt.Errorf("lock is held by %s; pass --force to attempt release", holder)
		}
		if err := lm.ForceRelease(); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "lease cleared")
		return nil
	},
}

func init() {
	lockReleaseCmd.Flags().BoolVar(&lockReleaseForce, "force", false, "attempt release even when a holder is recorded")
	lockCmd.AddCommand(lockStatusCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	rootCmd.AddCommand(lockCmd)
}

func formatLockStatus(path string, st lock.Status) string {
	state := "free"
	switch {
	case st.Stale:
		state = "held (stale)"
	case st.Held:
		state = "held"
	case st.Orphaned:
		state = "free (orphaned lease)"
	}
	rows := [][]string{
		{"Path", path},
		{"State", state},
	}
	if st.Lease != nil {
		rows = append(rows,
			[]string{"Holder", st.Lease.Holder},
			[]string{"Kind", st.Lease.Kind},
			[]string{"PID", strconv.Itoa(st.Lease.PID)},
			[]string{"Host", st.Lease.Host},
			[]string{"Acquired", st.Lease.AcquiredAt.Format(time.RFC3339)},
			[]string{"Expires", st.Lease.ExpiresAt.Format(time.RFC3339)},
		)
	}
	return renderTable([]string{"Lock", ""}, rows, nil)
}
