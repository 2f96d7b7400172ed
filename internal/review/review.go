// Package review applies reviewer adjustments to the persisted program store
// under the same lease the pipeline takes, so an edit and a run never
// interleave.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/lock"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/normalize"
)

// Adjustment is one reviewer edit, addressed by program code. Nil fields are
// left untouched. An empty MatchedCode or IsReferent=false clears the match.
// IsReferent=false with a non-empty MatchedCode is rejected.
type Adjustment struct {
	Code        string  `json:"code" yaml:"code"`
	IsReferent  *bool   `json:"is_referent,omitempty" yaml:"is_referent,omitempty"`
	MatchedCode *string `json:"matched_code,omitempty" yaml:"matched_code,omitempty"`
}

// Result reports what Apply wrote.
type Result struct {
	Applied int    `json:"applied"`
	Holder  string `json:"holder"`
	Backup  string `json:"backup,omitempty"`
}

// Store is the persisted program table.
type Store interface {
	Load(ctx context.Context) ([]model.ProgramRecord, error)
	Save(ctx context.Context, recs []model.ProgramRecord) error
	Backup(ctx context.Context) (string, error)
	Restore(ctx context.Context, backup string) error
}

// Locker hands out the shared lease.
type Locker interface {
	TryAcquire(kind string) (*lock.Lease, error)
}

// CatalogSource reads the internal catalog.
type CatalogSource interface {
	Catalog(ctx context.Context) ([]model.CatalogEntry, error)
}

// Service applies adjustments.
type Service struct {
	lock    Locker
	store   Store
	catalog CatalogSource
	now     func() time.Time
}

// NewService creates a Service.
func NewService(lk Locker, st Store, cat CatalogSource) *Service {
	return &Service{lock: lk, store: st, catalog: cat, now: time.Now}
}

// Apply validates every adjustment against the store and catalog, then
// writes them in one save. Nothing is written when any adjustment is
// invalid. A running pipeline makes Apply fail with failure.ErrLockHeld.
func (s *Service) Apply(ctx context.Context, adjs []Adjustment) (*Result, error) {
	if len(adjs) == 0 {
		return &Result{}, nil
	}

	lease, err := s.lock.TryAcquire(lock.KindReviewer)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			zap.L().Error("review: release lock", zap.Error(rerr))
		}
	}()

	recs, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.catalog.Catalog(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "review: load catalog")
	}
	names := make(map[string]string, len(entries))
	for _, e := range entries {
		names[e.Code] = e.Name
	}
	byCode := make(map[string]int, len(recs))
	for i, r := range recs {
		byCode[r.Code] = i
	}

	if err := validate(adjs, byCode, names); err != nil {
		return nil, err
	}

	at := s.now().UTC().Truncate(time.Second)
	for _, a := range adjs {
		code, _ := normalize.Code(a.Code)
		r := &recs[byCode[code]]
		if a.MatchedCode != nil {
			if mc, _ := catalogCode(*a.MatchedCode); mc == "" {
				reject(r)
			} else {
				r.MatchedCatalogCode = model.StringPtr(mc)
				r.MatchedCatalogName = model.StringPtr(names[mc])
				r.IsReferent = true
			}
		}
		if a.IsReferent != nil {
			r.IsReferent = *a.IsReferent
			if !r.IsReferent {
				reject(r)
			}
		}
		r.ManuallyAdjusted = true
		r.AdjustedAt = &at
	}

	backup, err := s.store.Backup(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, recs); err != nil {
		if rerr := s.store.Restore(ctx, backup); rerr != nil {
			return nil, errors.Join(err, eris.Wrap(rerr, "review: restore backup"))
		}
		return nil, err
	}

	zap.L().Info("review: adjustments applied",
		zap.Int("applied", len(adjs)),
		zap.String("holder", lease.Holder),
	)
	return &Result{Applied: len(adjs), Holder: lease.Holder, Backup: backup}, nil
}

func validate(adjs []Adjustment, byCode map[string]int, catalog map[string]string) error {
	var problems []string
	seen := make(map[string]struct{}, len(adjs))
	for i, a := range adjs {
		code, ok := normalize.Code(a.Code)
		if !ok {
			problems = append(problems, fmt.Sprintf("adjustment %d: invalid code %q", i+1, a.Code))
			continue
		}
		if _, dup := seen[code]; dup {
			problems = append(problems, fmt.Sprintf("adjustment %d: code %s adjusted twice", i+1, code))
		}
		seen[code] = struct{}{}
		if _, ok := byCode[code]; !ok {
			problems = append(problems, fmt.Sprintf("adjustment %d: no program with code %s", i+1, code))
		}
		if a.MatchedCode != nil {
			mc, ok := catalogCode(*a.MatchedCode)
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("adjustment %d: invalid catalog code %q", i+1, *a.MatchedCode))
			case mc == "":
			case a.IsReferent != nil && !*a.IsReferent:
				problems = append(problems, fmt.Sprintf("adjustment %d: %s cannot be rejected and matched to %s at once", i+1, code, mc))
			default:
				if _, ok := catalog[mc]; !ok {
					problems = append(problems, fmt.Sprintf("adjustment %d: catalog code %s does not exist", i+1, mc))
				}
			}
		}
		if a.IsReferent == nil && a.MatchedCode == nil {
			problems = append(problems, fmt.Sprintf("adjustment %d: nothing to change for %s", i+1, code))
		}
	}
	if len(problems) > 0 {
		return failure.Wrap(failure.ErrValidation, "review", strings.Join(problems, "; "), nil)
	}
	return nil
}

// catalogCode canonicalizes a reviewer-supplied catalog code. Blank means
// clear the match and is returned as "", true.
func catalogCode(raw string) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", true
	}
	return normalize.Code(raw)
}

// reject drops the catalog assignment of r. The classifier's confidence is
// kept as a record of what was overridden.
func reject(r *model.ProgramRecord) {
	conf := r.Confidence
	r.ClearMatch()
	r.Confidence = conf
}
