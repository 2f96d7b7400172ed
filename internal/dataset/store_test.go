package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/referent-cli/internal/config"
	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/fetcher"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(config.DatasetConfig{
		Path:          filepath.Join(dir, "programs.xlsx"),
		BackupDir:     filepath.Join(dir, "backups"),
		RetryAttempts: 3,
		RetryDelayMs:  1,
	}, schema.DefaultManifest())
}

func sampleRecords() []model.ProgramRecord {
	return []model.ProgramRecord{
		{Code: "101", Name: "Derecho", Institution: "U A", Level: "universitario", IsReferent: true,
			MatchedCatalogCode: model.StringPtr("7"), MatchedCatalogName: model.StringPtr("Derecho"), Confidence: 0.9},
		{Code: "102", Name: "Medicina", Institution: "U B", Level: "universitario"},
	}
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)
	recs, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, recs)
	assert.False(t, s.Exists())
}

func TestStore_SaveLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleRecords()))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "101", got[0].Code)
	assert.True(t, got[0].IsReferent)
	assert.Equal(t, "7", model.Deref(got[0].MatchedCatalogCode))
	assert.InDelta(t, 0.9, got[0].Confidence, 1e-9)
	assert.Equal(t, "Medicina", got[1].Name)
}

func TestStore_BackupRestoreIsByteIdentical(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleRecords()))
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	backup, err := s.Backup(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, backup)

	require.NoError(t, s.Save(ctx, sampleRecords()[:1]))
	require.NoError(t, s.Restore(ctx, backup))

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStore_RestoreWithoutBackupRemovesFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	backup, err := s.Backup(ctx)
	require.NoError(t, err)
	assert.Empty(t, backup)

	require.NoError(t, s.Save(ctx, sampleRecords()))
	require.NoError(t, s.Restore(ctx, backup))
	assert.False(t, s.Exists())
}

func TestStore_SaveBusy(t *testing.T) {
	s := newTestStore(t)
	calls := 0
	s.write = func(string, []fetcher.Sheet) error {
		calls++
		return &os.PathError{Op: "rename", Path: s.Path(), Err: syscall.EBUSY}
	}

	err := s.Save(context.Background(), sampleRecords())
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrStoreBusy))
	assert.Equal(t, 3, calls)
}

func TestStore_SaveBusyThenSucceeds(t *testing.T) {
	s := newTestStore(t)
	calls := 0
	s.write = func(path string, sheets []fetcher.Sheet) error {
		calls++
		if calls < 3 {
			return &os.PathError{Op: "rename", Path: path, Err: syscall.EBUSY}
		}
		return fetcher.WriteXLSX(path, sheets)
	}

	require.NoError(t, s.Save(context.Background(), sampleRecords()))
	assert.Equal(t, 3, calls)
	assert.True(t, s.Exists())
}

func TestStore_SaveOtherErrorIsNotBusy(t *testing.T) {
	s := newTestStore(t)
	calls := 0
	s.write = func(string, []fetcher.Sheet) error {
		calls++
		return errors.New("disk full")
	}

	err := s.Save(context.Background(), sampleRecords())
	require.Error(t, err)
	assert.False(t, errors.Is(err, failure.ErrStoreBusy))
	assert.Equal(t, 1, calls)
}
