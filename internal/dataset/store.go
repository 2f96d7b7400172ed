// Package dataset persists the annotated program table as a workbook shared
// with reviewers, and loads the read-only reference tables.
package dataset

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/config"
	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/fetcher"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/resilience"
	"github.com/sells-group/referent-cli/internal/schema"
)

// Store reads and writes the persisted program workbook wholesale. Writes
// and backups retry while another program holds the file.
type Store struct {
	path      string
	sheet     string
	backupDir string
	manifest  schema.Manifest
	retry     resilience.RetryConfig

	write func(path string, sheets []fetcher.Sheet) error
}

// NewStore creates a Store from cfg.
func NewStore(cfg config.DatasetConfig, m schema.Manifest) *Store {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	sheet := cfg.Sheet
	if sheet == "" {
		sheet = "Programs"
	}
	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(cfg.Path), "backups")
	}
	retry := resilience.FixedRetryConfig(attempts, cfg.RetryDelay())
	retry.OnRetry = resilience.RetryLogger("dataset", "write")
	return &Store{
		path:      cfg.Path,
		sheet:     sheet,
		backupDir: backupDir,
		manifest:  m,
		retry:     retry,
		write:     fetcher.WriteXLSX,
	}
}

// Path returns the workbook path.
func (s *Store) Path() string { return s.path }

// Exists reports whether the workbook has been written.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads every persisted record. A missing workbook yields no records.
func (s *Store) Load(ctx context.Context) ([]model.ProgramRecord, error) {
	if !s.Exists() {
		return nil, nil
	}
	rows, err := resilience.DoVal(ctx, s.retry, func(_ context.Context) ([][]string, error) {
		return fetcher.ReadXLSX(s.path, fetcher.XLSXOptions{SheetName: s.sheet})
	})
	if err != nil {
		return nil, s.busyOr(err, "load")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	recs, err := s.manifest.DecodeStored(rows[0], nonBlank(rows[1:]))
	if err != nil {
		return nil, eris.Wrap(err, "dataset: decode store")
	}
	return recs, nil
}

// Save replaces the workbook with recs in a single write.
func (s *Store) Save(ctx context.Context, recs []model.ProgramRecord) error {
	header, rows := s.manifest.Encode(recs)
	sheet := fetcher.Sheet{Name: s.sheet, Rows: append([][]string{header}, rows...)}

	err := resilience.Do(ctx, s.retry, func(_ context.Context) error {
		return s.write(s.path, []fetcher.Sheet{sheet})
	})
	if err != nil {
		return s.busyOr(err, "save")
	}
	zap.L().Info("dataset: saved", zap.String("path", s.path), zap.Int("records", len(recs)))
	return nil
}

// Backup copies the current workbook into the backup directory and returns
// the copy's path. It returns "" when no workbook exists yet.
func (s *Store) Backup(ctx context.Context) (string, error) {
	if !s.Exists() {
		return "", nil
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", eris.Wrap(err, "dataset: create backup dir")
	}
	base := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	dst := filepath.Join(s.backupDir,
		base+"_"+time.Now().UTC().Format("20060102_150405.000000000")+filepath.Ext(s.path))

	err := resilience.Do(ctx, s.retry, func(_ context.Context) error {
		return copyFile(s.path, dst)
	})
	if err != nil {
		return "", s.busyOr(err, "backup")
	}
	zap.L().Debug("dataset: backup written", zap.String("backup", dst))
	return dst, nil
}

// Restore puts backup back in place. An empty backup means no workbook
// existed before, so the current one is removed.
func (s *Store) Restore(ctx context.Context, backup string) error {
	err := resilience.Do(ctx, s.retry, func(_ context.Context) error {
		if backup == "" {
			if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				return rmErr
			}
			return nil
		}
		return copyFile(backup, s.path)
	})
	if err != nil {
		return s.busyOr(err, "restore")
	}
	zap.L().Warn("dataset: restored from backup", zap.String("backup", backup))
	return nil
}

func (s *Store) busyOr(err error, op string) error {
	if resilience.IsBusy(err) {
		return failure.Wrap(failure.ErrStoreBusy, "dataset", op+" "+s.path, err)
	}
	return eris.Wrapf(err, "dataset: %s %s", op, s.path)
}

// copyFile copies src over dst through a temporary sibling and a rename.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func nonBlank(rows [][]string) [][]string {
	out := rows[:0:0]
	for _, r := range rows {
		for _, c := range r {
			if strings.TrimSpace(c) != "" {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
