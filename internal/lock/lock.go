// Package lock implements the cooperative run lease shared by pipeline runs
// and reviewers. Exclusion comes from an OS file lock, so a crashed holder
// releases it implicitly; the lease file beside it records who holds it.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/failure"
)

// Holder kinds.
const (
	KindPipeline = "pipeline"
	KindReviewer = "reviewer"
)

// DefaultFileName is the lock file created next to the persisted store.
const DefaultFileName = ".pipeline.lock"

// Info is the lease record written while the lock is held.
type Info struct {
	Holder     string    `json:"holder"`
	Kind       string    `json:"kind"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease TTL has elapsed at now.
func (i Info) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// busyRetryDelay is how long TryAcquire waits before its single retry when
// the file lock is taken but no lease file exists yet.
const busyRetryDelay = 5 * time.Millisecond

// Manager hands out leases on a single lock file.
type Manager struct {
	path  string
	ttl   time.Duration
	now   func() time.Time
	sleep func(time.Duration)
}

// NewManager creates a Manager for the lock file at path.
func NewManager(path string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Manager{path: path, ttl: ttl, now: time.Now, sleep: time.Sleep}
}

// PathFor returns the default lock path for a store file.
func PathFor(storePath string) string {
	return filepath.Join(filepath.Dir(storePath), DefaultFileName)
}

// Path returns the lock file path.
func (m *Manager) Path() string { return m.path }

func (m *Manager) leasePath() string { return m.path + ".lease" }

// Lease is a held lock. Release must be called exactly once.
type Lease struct {
	Info
	fl    *flock.Flock
	lease string
}

// TryAcquire takes the lock for a holder of the given kind without waiting.
// It fails with failure.ErrLockHeld when another holder has it.
func (m *Manager) TryAcquire(kind string) (*Lease, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return nil, eris.Wrap(err, "lock: create dir")
	}

	fl := flock.New(m.path)
	ok, err := fl.TryLock()
	if err == nil && !ok {
		// Inspect and ForceRelease hold the file lock for an instant, and a
		// new holder has not written its lease yet. Either way the lock
		// may free up right away.
		if info, rerr := m.readLease(); rerr == nil && info == nil {
			m.sleep(busyRetryDelay)
			ok, err = fl.TryLock()
		}
	}
	if err != nil {
		return nil, eris.Wrap(err, "lock: try lock")
	}
	if !ok {
		msg := "held by another process"
		if info, rerr := m.readLease(); rerr == nil && info != nil {
			msg = fmt.Sprintf("held by %s %s since %s", info.Kind, info.Holder, info.AcquiredAt.Format(time.RFC3339))
		}
		return nil, failure.Wrap(failure.ErrLockHeld, "lock", msg, nil)
	}

	if prev, _ := m.readLease(); prev != nil {
		zap.L().Warn("lock: reclaiming orphaned lease",
			zap.String("previous_holder", prev.Holder),
			zap.String("previous_kind", prev.Kind),
			zap.Time("acquired_at", prev.AcquiredAt),
		)
	}

	now := m.now().UTC()
	host, _ := os.Hostname()
	info := Info{
		Holder:     uuid.NewString(),
		Kind:       kind,
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if err := writeLease(m.leasePath(), info); err != nil {
		_ = fl.Unlock()
		return nil, err
	}

	zap.L().Debug("lock: acquired", zap.String("holder", info.Holder), zap.String("kind", kind))
	return &Lease{Info: info, fl: fl, lease: m.leasePath()}, nil
}

// Release removes the lease record and unlocks.
func (l *Lease) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := os.Remove(l.lease); err != nil && !errors.Is(err, fs.ErrNotExist) {
		zap.L().Warn("lock: remove lease file", zap.Error(err))
	}
	err := l.fl.Unlock()
	l.fl = nil
	if err != nil {
		return eris.Wrap(err, "lock: unlock")
	}
	zap.L().Debug("lock: released", zap.String("holder", l.Holder))
	return nil
}

// Status describes the lock as seen from outside. Stale is set when the lock
// is held past its lease expiry; Orphaned when a lease file survives a holder
// that died.
type Status struct {
	Held     bool  `json:"held"`
	Lease    *Info `json:"lease,omitempty"`
	Stale    bool  `json:"stale"`
	Orphaned bool  `json:"orphaned"`
}

// Inspect reports the current lock state without disturbing a holder.
func (m *Manager) Inspect() (Status, error) {
	info, err := m.readLease()
	if err != nil {
		return Status{}, err
	}

	held, err := m.locked()
	if err != nil {
		return Status{}, err
	}

	st := Status{Held: held, Lease: info}
	if info != nil {
		st.Stale = held && info.Expired(m.now())
		st.Orphaned = !held
	}
	return st, nil
}

// ForceRelease clears a lease left behind by a dead holder. A lock still
// held by a live process cannot be broken and yields failure.ErrLockHeld.
func (m *Manager) ForceRelease() error {
	held, err := m.locked()
	if err != nil {
		return err
	}
	if held {
		return failure.Wrap(failure.ErrLockHeld, "lock", "held by a live process; stop it first", nil)
	}
	if err := os.Remove(m.leasePath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrap(err, "lock: remove lease file")
	}
	zap.L().Info("lock: lease cleared", zap.String("path", m.leasePath()))
	return nil
}

// locked reports whether some holder currently has the lock.
func (m *Manager) locked() (bool, error) {
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	fl := flock.New(m.path)
	ok, err := fl.TryLock()
	if err != nil {
		return false, eris.Wrap(err, "lock: test lock")
	}
	if ok {
		_ = fl.Unlock()
		return false, nil
	}
	return true, nil
}

func (m *Manager) readLease() (*Info, error) {
	data, err := os.ReadFile(m.leasePath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "lock: read lease")
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, eris.Wrap(err, "lock: decode lease")
	}
	return &info, nil
}

func writeLease(path string, info Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return eris.Wrap(err, "lock: encode lease")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrap(err, "lock: write lease")
	}
	return nil
}
