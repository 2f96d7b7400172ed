// Package history keeps the deduplicated ledger of every program observed by
// past runs plus the per-run snapshots awaiting consolidation.
package history

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/fetcher"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/normalize"
	"github.com/sells-group/referent-cli/internal/schema"
)

const (
	ledgerFile     = "ledger.xlsx"
	ledgerSheet    = "Ledger"
	snapshotDir    = "snapshots"
	snapshotSheet  = "Snapshot"
	snapshotPrefix = "programs_"
	snapshotLayout = "20060102_150405"

	// DefaultConsolidationBound is the snapshot count above which a run
	// consolidates automatically.
	DefaultConsolidationBound = 20
)

var ledgerHeader = []string{"CODE", "NAME", "INSTITUTION", "LEVEL", "BROAD_FIELD", "OBSERVED_AT"}

// Entry is the most recent observation of one program code.
type Entry struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Institution string    `json:"institution"`
	Level       string    `json:"level"`
	BroadField  string    `json:"broad_field"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Snapshot is one stored per-run table.
type Snapshot struct {
	Path    string    `json:"path"`
	TakenAt time.Time `json:"taken_at"`
}

// Status summarizes the history directory.
type Status struct {
	LedgerEntries int        `json:"ledger_entries"`
	Snapshots     int        `json:"snapshots"`
	Oldest        *time.Time `json:"oldest,omitempty"`
	Newest        *time.Time `json:"newest,omitempty"`
}

// Store is the file-backed history. Methods are safe for concurrent use
// within one process; cross-process exclusion is the run lock's job.
type Store struct {
	dir      string
	manifest schema.Manifest

	mu sync.Mutex
}

// New creates a Store rooted at dir.
func New(dir string, m schema.Manifest) *Store {
	return &Store{dir: dir, manifest: m}
}

// Dir returns the history root.
func (s *Store) Dir() string { return s.dir }

func (s *Store) ledgerPath() string { return filepath.Join(s.dir, ledgerFile) }

// Ledger reads the consolidated ledger keyed by code. A missing ledger is
// empty; an unreadable one is failure.ErrHistoryCorrupt.
func (s *Store) Ledger() (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLedger()
}

// Append merges recs into the ledger, one entry per code. An observation
// replaces the stored entry unless the stored one is newer. Records without a valid code are
// skipped. It returns the number of codes not previously in the ledger.
func (s *Store) Append(recs []model.ProgramRecord, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := s.readLedger()
	if err != nil {
		return 0, err
	}
	added := merge(ledger, recs, at)
	if err := s.writeLedger(ledger); err != nil {
		return 0, err
	}
	zap.L().Info("history: ledger appended", zap.Int("records", len(recs)), zap.Int("added", added))
	return added, nil
}

// WriteSnapshot stores recs as the snapshot taken at at.
func (s *Store) WriteSnapshot(recs []model.ProgramRecord, at time.Time) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, snapshotDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Snapshot{}, eris.Wrap(err, "history: create snapshot dir")
	}

	base := snapshotPrefix + at.UTC().Format(snapshotLayout)
	path := filepath.Join(dir, base+".xlsx")
	for n := 1; fileExists(path); n++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.xlsx", base, n))
	}

	header, rows := s.manifest.Encode(recs)
	if err := fetcher.WriteXLSX(path, []fetcher.Sheet{{Name: snapshotSheet, Rows: append([][]string{header}, rows...)}}); err != nil {
		return Snapshot{}, eris.Wrap(err, "history: write snapshot")
	}
	zap.L().Info("history: snapshot written", zap.String("path", path), zap.Int("records", len(recs)))
	return Snapshot{Path: path, TakenAt: at.UTC().Truncate(time.Second)}, nil
}

// Snapshots lists stored snapshots, oldest first.
func (s *Store) Snapshots() ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listSnapshots()
}

// KnownCodes returns every code in the ledger or any snapshot.
func (s *Store) KnownCodes() (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := s.readLedger()
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(ledger))
	for code := range ledger {
		known[code] = struct{}{}
	}

	snaps, err := s.listSnapshots()
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		recs, err := s.readSnapshot(snap.Path)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if code, ok := normalize.Code(r.Code); ok {
				known[code] = struct{}{}
			}
		}
	}
	return known, nil
}

// Consolidate merges every snapshot into the ledger, oldest first, then
// deletes them. It returns the number of snapshots merged; with none
// outstanding it changes nothing.
func (s *Store) Consolidate() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.listSnapshots()
	if err != nil {
		return 0, err
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	ledger, err := s.readLedger()
	if err != nil {
		return 0, err
	}
	for _, snap := range snaps {
		recs, err := s.readSnapshot(snap.Path)
		if err != nil {
			return 0, err
		}
		merge(ledger, recs, snap.TakenAt)
	}
	if err := s.writeLedger(ledger); err != nil {
		return 0, err
	}

	for _, snap := range snaps {
		if err := os.Remove(snap.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, eris.Wrapf(err, "history: remove consolidated snapshot %s", filepath.Base(snap.Path))
		}
	}
	zap.L().Info("history: consolidated",
		zap.Int("snapshots", len(snaps)),
		zap.Int("ledger_entries", len(ledger)),
	)
	return len(snaps), nil
}

// MaybeConsolidate consolidates when more than bound snapshots exist.
func (s *Store) MaybeConsolidate(bound int) (int, error) {
	if bound <= 0 {
		bound = DefaultConsolidationBound
	}
	snaps, err := s.Snapshots()
	if err != nil {
		return 0, err
	}
	if len(snaps) <= bound {
		return 0, nil
	}
	zap.L().Info("history: snapshot bound exceeded", zap.Int("snapshots", len(snaps)), zap.Int("bound", bound))
	return s.Consolidate()
}

// Status reports ledger size and snapshot range.
func (s *Store) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := s.readLedger()
	if err != nil {
		return Status{}, err
	}
	snaps, err := s.listSnapshots()
	if err != nil {
		return Status{}, err
	}
	st := Status{LedgerEntries: len(ledger), Snapshots: len(snaps)}
	if len(snaps) > 0 {
		oldest, newest := snaps[0].TakenAt, snaps[len(snaps)-1].TakenAt
		st.Oldest, st.Newest = &oldest, &newest
	}
	return st, nil
}

func merge(ledger map[string]Entry, recs []model.ProgramRecord, at time.Time) int {
	added := 0
	at = at.UTC().Truncate(time.Second)
	for _, r := range recs {
		code, ok := normalize.Code(r.Code)
		if !ok {
			continue
		}
		prev, seen := ledger[code]
		if !seen {
			added++
		} else if at.Before(prev.ObservedAt) {
			continue
		}
		ledger[code] = Entry{
			Code:        code,
			Name:        r.Name,
			Institution: r.Institution,
			Level:       r.Level,
			BroadField:  r.BroadField,
			ObservedAt:  at,
		}
	}
	return added
}

func (s *Store) readLedger() (map[string]Entry, error) {
	path := s.ledgerPath()
	if !fileExists(path) {
		return make(map[string]Entry), nil
	}
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
	if err != nil {
		return nil, corrupt("read ledger", err)
	}
	if len(rows) == 0 || normalize.Header(first(rows[0])) != ledgerHeader[0] {
		return nil, corrupt("ledger has no CODE header", nil)
	}

	ledger := make(map[string]Entry, len(rows)-1)
	for i, row := range rows[1:] {
		row = pad(row, len(ledgerHeader))
		code, ok := normalize.Code(row[0])
		if !ok {
			continue
		}
		var observed time.Time
		if v := strings.TrimSpace(row[5]); v != "" {
			if observed, err = time.Parse(time.RFC3339, v); err != nil {
				return nil, corrupt(fmt.Sprintf("ledger row %d observed_at", i+2), err)
			}
		}
		if _, dup := ledger[code]; dup {
			zap.L().Warn("history: duplicate ledger code, keeping last", zap.String("code", code))
		}
		ledger[code] = Entry{
			Code:        code,
			Name:        row[1],
			Institution: row[2],
			Level:       row[3],
			BroadField:  row[4],
			ObservedAt:  observed,
		}
	}
	return ledger, nil
}

func (s *Store) writeLedger(ledger map[string]Entry) error {
	codes := make([]string, 0, len(ledger))
	for code := range ledger {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return schema.CompareCodes(codes[i], codes[j]) < 0 })

	rows := make([][]string, 0, len(codes)+1)
	rows = append(rows, ledgerHeader)
	for _, code := range codes {
		e := ledger[code]
		rows = append(rows, []string{e.Code, e.Name, e.Institution, e.Level, e.BroadField, e.ObservedAt.Format(time.RFC3339)})
	}
	if err := fetcher.WriteXLSX(s.ledgerPath(), []fetcher.Sheet{{Name: ledgerSheet, Rows: rows}}); err != nil {
		return eris.Wrap(err, "history: write ledger")
	}
	return nil
}

func (s *Store) listSnapshots() ([]Snapshot, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, snapshotDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, corrupt("list snapshots", err)
	}

	var snaps []Snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || filepath.Ext(name) != ".xlsx" {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), ".xlsx")
		if len(stamp) < len(snapshotLayout) {
			continue
		}
		at, err := time.Parse(snapshotLayout, stamp[:len(snapshotLayout)])
		if err != nil {
			continue
		}
		snaps = append(snaps, Snapshot{Path: filepath.Join(s.dir, snapshotDir, name), TakenAt: at})
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		if !snaps[i].TakenAt.Equal(snaps[j].TakenAt) {
			return snaps[i].TakenAt.Before(snaps[j].TakenAt)
		}
		return snaps[i].Path < snaps[j].Path
	})
	return snaps, nil
}

func (s *Store) readSnapshot(path string) ([]model.ProgramRecord, error) {
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
	if err != nil {
		return nil, corrupt("read snapshot "+filepath.Base(path), err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	recs, err := s.manifest.DecodeStored(rows[0], rows[1:])
	if err != nil {
		return nil, corrupt("decode snapshot "+filepath.Base(path), err)
	}
	return recs, nil
}

func corrupt(msg string, err error) error {
	return failure.Wrap(failure.ErrHistoryCorrupt, "history", msg, err)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func first(row []string) string {
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

func pad(row []string, n int) []string {
	for len(row) < n {
		row = append(row, "")
	}
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}
	return row
}
