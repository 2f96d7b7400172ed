// Package novelty flags extract records whose codes were never observed in
// a prior run.
package novelty

import (
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/normalize"
)

// KnownCodes yields every code observed by prior runs.
type KnownCodes interface {
	KnownCodes() (map[string]struct{}, error)
}

// Result summarizes a detection pass.
type Result struct {
	Total   int `json:"total"`
	New     int `json:"new"`
	Known   int `json:"known"`
	Invalid int `json:"invalid"`

	// Degraded is set when history could not be read and every record was
	// marked new as a fallback rather than through genuine novelty.
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

// Detector annotates records with IsNew.
type Detector struct{}

// Detect sets IsNew on every record of recs. Codes are canonicalized before
// lookup; records with an invalid code are marked new and never compared.
// Unreadable history never fails detection: every record is marked new and
// the result is flagged degraded.
func (Detector) Detect(recs []model.ProgramRecord, known KnownCodes) Result {
	res := Result{Total: len(recs)}

	set, err := known.KnownCodes()
	if err != nil {
		res.Degraded = true
		res.Reason = err.Error()
		zap.L().Warn("novelty: history unreadable, marking all records new", zap.Error(err))
		for i := range recs {
			recs[i].IsNew = true
			if code, ok := normalize.Code(recs[i].Code); ok {
				recs[i].Code = code
			} else {
				res.Invalid++
			}
		}
		res.New = len(recs)
		return res
	}

	for i := range recs {
		r := &recs[i]
		code, ok := normalize.Code(r.Code)
		if !ok {
			zap.L().Warn("novelty: record has no valid code, treating as new",
				zap.Int("row", i+1),
				zap.String("name", r.Name),
			)
			r.IsNew = true
			res.Invalid++
			res.New++
			continue
		}
		r.Code = code
		if _, seen := set[code]; seen {
			r.IsNew = false
			res.Known++
		} else {
			r.IsNew = true
			res.New++
		}
	}
	return res
}

// CodeSet is a KnownCodes backed by an in-memory set.
type CodeSet map[string]struct{}

// KnownCodes implements KnownCodes.
func (s CodeSet) KnownCodes() (map[string]struct{}, error) {
	return s, nil
}

// NewCodeSet builds a CodeSet from raw codes, canonicalizing each.
func NewCodeSet(codes ...string) CodeSet {
	s := make(CodeSet, len(codes))
	for _, c := range codes {
		if code, ok := normalize.Code(c); ok {
			s[code] = struct{}{}
		}
	}
	return s
}
