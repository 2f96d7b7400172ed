package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/referent-cli/internal/dataset"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/modelrepo"
)

// programLoader reads the persisted program store.
type programLoader interface {
	Exists() bool
	Load(ctx context.Context) ([]model.ProgramRecord, error)
}

// withAdjustments merges reviewer decisions from the program store into
// pairs. A store that does not exist yet contributes nothing.
func withAdjustments(ctx context.Context, st programLoader, pairs []model.TrainingPair, catalog []model.CatalogEntry) ([]model.TrainingPair, dataset.FeedbackStats, error) {
	if !st.Exists() {
		return pairs, dataset.FeedbackStats{}, nil
	}
	recs, err := st.Load(ctx)
	if err != nil {
		return nil, dataset.FeedbackStats{}, eris.Wrap(err, "train: load reviewer adjustments")
	}
	merged, stats := dataset.ApplyAdjustments(pairs, recs, catalog)
	return merged, stats, nil
}

var trainWithAdjustments bool

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a new classifier version from the reference tables",
	Long:  "Trains a new classifier version from the training table. With --with-adjustments, reviewer decisions recorded in the program store relabel or extend the training pairs first.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env := newAppEnv(cfg)
		if err := env.loadEmbedder(cfg); err != nil {
			return err
		}
		defer env.Close() //nolint:errcheck

		catalog, err := env.Reference.Catalog(ctx)
		if err != nil {
			return err
		}
		pairs, err := env.Reference.TrainingPairs(ctx, catalog)
		if err != nil {
			return err
		}
		if trainWithAdjustments {
			var st dataset.FeedbackStats
			pairs, st, err = withAdjustments(ctx, env.Dataset, pairs, catalog)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "reviewer adjustments: %d records, %d pairs relabeled, %d added\n",
				st.Adjusted, st.Relabeled, st.Added)
		}
		art, err := env.Models.Train(ctx, pairs, catalog)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "trained model v%d: %d classes from %d positive samples\n",
			art.Version, art.Manifest.Classes, art.Manifest.Samples)
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage classifier versions",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored model versions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		versions, err := newAppEnv(cfg).Models.List()
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Fprintln(os.Stderr, "No model versions found.")
			return nil
		}
		fmt.Fprintln(os.Stdout, formatVersions(versions))
		return nil
	},
}

var modelsUseCmd = &cobra.Command{
	Use:   "use <version>",
	Short: "Make a stored version current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseVersion(args[0])
		if err != nil {
			return err
		}
		if err := newAppEnv(cfg).Models.SetCurrent(v); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "current model is now v%d\n", v)
		return nil
	},
}

var modelsRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Make the previous version current",
	RunE: func(cmd *cobra.Command, _ []string) error {
		v, err := newAppEnv(cfg).Models.Rollback()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "rolled back to model v%d\n", v)
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsUseCmd)
	modelsCmd.AddCommand(modelsRollbackCmd)
	trainCmd.Flags().BoolVar(&trainWithAdjustments, "with-adjustments", false, "relabel training pairs from reviewer adjustments in the program store")
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(modelsCmd)
}

// parseVersion accepts "3" or "v3".
func parseVersion(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v"))
	if err != nil || v <= 0 {
		return 0, eris.Errorf("invalid model version %q", s)
	}
	return v, nil
}

func formatVersions(versions []modelrepo.VersionInfo) string {
	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		current := ""
		if v.Current {
			current = "*"
		}
		created := ""
		if !v.CreatedAt.IsZero() {
			created = v.CreatedAt.Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{
			current,
			fmt.Sprintf("v%d", v.Version),
			created,
			strconv.Itoa(v.Classes),
			strconv.Itoa(v.Samples),
		})
	}
	return renderTable(
		[]string{"", "Version", "Created", "Classes", "Samples"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	)
}
