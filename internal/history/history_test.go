package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/schema"
)

var t0 = time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), schema.DefaultManifest())
}

func rec(code, name string) model.ProgramRecord {
	return model.ProgramRecord{Code: code, Name: name, Institution: "U", Level: "universitario"}
}

func TestAppend_UniquenessAcrossCalls(t *testing.T) {
	s := newTestStore(t)

	added, err := s.Append([]model.ProgramRecord{rec("1", "A"), rec("2", "B"), rec("1.0", "A bis")}, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = s.Append([]model.ProgramRecord{rec("2", "B nuevo"), rec("3", "C"), rec("", "sin código")}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	ledger, err := s.Ledger()
	require.NoError(t, err)
	require.Len(t, ledger, 3)
	assert.Equal(t, "A bis", ledger["1"].Name)
	assert.Equal(t, "B nuevo", ledger["2"].Name)
	assert.Equal(t, t0.Add(time.Hour), ledger["2"].ObservedAt)
}

func TestAppend_OlderObservationDoesNotReplace(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append([]model.ProgramRecord{rec("1", "Nuevo")}, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = s.Append([]model.ProgramRecord{rec("1", "Viejo")}, t0)
	require.NoError(t, err)

	ledger, err := s.Ledger()
	require.NoError(t, err)
	assert.Equal(t, "Nuevo", ledger["1"].Name)
}

func TestKnownCodes_UnionOfLedgerAndSnapshots(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append([]model.ProgramRecord{rec("1", "A")}, t0)
	require.NoError(t, err)
	_, err = s.WriteSnapshot([]model.ProgramRecord{rec("2", "B"), rec("1", "A")}, t0)
	require.NoError(t, err)

	known, err := s.KnownCodes()
	require.NoError(t, err)
	assert.Len(t, known, 2)
	assert.Contains(t, known, "1")
	assert.Contains(t, known, "2")
}

func TestKnownCodes_EmptyHistory(t *testing.T) {
	known, err := newTestStore(t).KnownCodes()
	require.NoError(t, err)
	assert.Empty(t, known)
}

func TestKnownCodes_CorruptLedger(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.Dir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), ledgerFile), []byte("not a workbook"), 0o644))

	_, err := s.KnownCodes()
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrHistoryCorrupt))
}

func TestKnownCodes_CorruptSnapshot(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(s.Dir(), snapshotDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "programs_20260101_000000.xlsx"), []byte{0x00, 0x01}, 0o644))

	_, err := s.KnownCodes()
	assert.True(t, errors.Is(err, failure.ErrHistoryCorrupt))
}

func TestWriteSnapshot_SameSecondDoesNotOverwrite(t *testing.T) {
	s := newTestStore(t)
	a, err := s.WriteSnapshot([]model.ProgramRecord{rec("1", "A")}, t0)
	require.NoError(t, err)
	b, err := s.WriteSnapshot([]model.ProgramRecord{rec("2", "B")}, t0)
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, b.Path)

	snaps, err := s.Snapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestConsolidate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.WriteSnapshot([]model.ProgramRecord{rec("1", "A")}, t0)
	require.NoError(t, err)

	n, err := s.Consolidate()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	before, err := os.ReadFile(filepath.Join(s.Dir(), ledgerFile))
	require.NoError(t, err)
	stat1, err := os.Stat(filepath.Join(s.Dir(), ledgerFile))
	require.NoError(t, err)

	n, err = s.Consolidate()
	require.NoError(t, err)
	assert.Zero(t, n)

	after, err := os.ReadFile(filepath.Join(s.Dir(), ledgerFile))
	require.NoError(t, err)
	stat2, err := os.Stat(filepath.Join(s.Dir(), ledgerFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, stat1.ModTime(), stat2.ModTime())
}

func TestMaybeConsolidate_TwentyOneSnapshots(t *testing.T) {
	s := newTestStore(t)
	for i := range 21 {
		recs := []model.ProgramRecord{
			rec(fmt.Sprintf("%d", i), fmt.Sprintf("Programa %d", i)),
			rec("shared", fmt.Sprintf("Compartido %d", i)),
		}
		_, err := s.WriteSnapshot(recs, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	n, err := s.MaybeConsolidate(20)
	require.NoError(t, err)
	assert.Equal(t, 21, n)

	st, err := s.Status()
	require.NoError(t, err)
	assert.Zero(t, st.Snapshots)
	assert.Equal(t, 22, st.LedgerEntries)

	ledger, err := s.Ledger()
	require.NoError(t, err)
	for i := range 21 {
		assert.Contains(t, ledger, fmt.Sprintf("%d", i))
	}
	assert.Equal(t, "Compartido 20", ledger["SHARED"].Name)
}

func TestMaybeConsolidate_AtBoundDoesNothing(t *testing.T) {
	s := newTestStore(t)
	for i := range 3 {
		_, err := s.WriteSnapshot([]model.ProgramRecord{rec(fmt.Sprintf("%d", i), "x")}, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	n, err := s.MaybeConsolidate(3)
	require.NoError(t, err)
	assert.Zero(t, n)

	snaps, err := s.Snapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
}

func TestStatus(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Status()
	require.NoError(t, err)
	assert.Equal(t, Status{}, st)

	_, err = s.WriteSnapshot([]model.ProgramRecord{rec("1", "A")}, t0)
	require.NoError(t, err)
	_, err = s.WriteSnapshot([]model.ProgramRecord{rec("2", "B")}, t0.Add(time.Hour))
	require.NoError(t, err)

	st, err = s.Status()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Snapshots)
	require.NotNil(t, st.Oldest)
	assert.Equal(t, t0, *st.Oldest)
	assert.Equal(t, t0.Add(time.Hour), *st.Newest)
}
