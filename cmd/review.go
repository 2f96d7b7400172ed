package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/referent-cli/internal/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Apply reviewer adjustments to the program store",
}

var reviewFile string

var reviewApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply adjustments from a JSON or YAML file",
	Long:  "Applies referent flags and catalog matches by program code under the run lock. Fails without writing when a pipeline run holds the lock or any adjustment is invalid.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		adjs, err := loadAdjustments(reviewFile)
		if err != nil {
			return err
		}
		res, err := newAppEnv(cfg).reviewService().Apply(cmd.Context(), adjs)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "applied %d adjustment(s)", res.Applied)
		if res.Backup != "" {
			fmt.Fprintf(os.Stdout, "; previous store kept at %s", res.Backup)
		}
		fmt.Fprintln(os.Stdout)
		return nil
	},
}

func init() {
	reviewApplyCmd.Flags().StringVarP(&reviewFile, "file", "f", "", "adjustments file (.json, .yaml or .yml)")
	_ = reviewApplyCmd.MarkFlagRequired("file")
	reviewCmd.AddCommand(reviewApplyCmd)
	rootCmd.AddCommand(reviewCmd)
}

// loadAdjustments reads a list of adjustments, either bare or under an
// "adjustments" key.
func loadAdjustments(path string) ([]review.Adjustment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "review: read adjustments")
	}

	var doc struct {
		Adjustments []review.Adjustment `json:"adjustments" yaml:"adjustments"`
	}
	var list []review.Adjustment

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &list); err != nil {
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return nil, eris.Wrap(err, "review: parse yaml adjustments")
			}
			list = doc.Adjustments
		}
	default:
		if err := json.Unmarshal(data, &list); err != nil {
			if err := json.Unmarshal(data, &doc); err != nil {
				return nil, eris.Wrap(err, "review: parse json adjustments")
			}
			list = doc.Adjustments
		}
	}

	if len(list) == 0 {
		return nil, eris.Errorf("review: no adjustments in %s", path)
	}
	return list, nil
}
