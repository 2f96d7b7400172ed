package normalize

import (
	"strings"

	"github.com/sells-group/referent-cli/internal/model"
)

// Records canonicalizes the identifying fields of recs in place: codes,
// surrounding whitespace and formation levels. It returns the number of
// records whose code is invalid; those keep an empty Code.
func Records(recs []model.ProgramRecord) (invalid int) {
	for i := range recs {
		r := &recs[i]
		code, ok := Code(r.Code)
		if !ok {
			invalid++
		}
		r.Code = code
		r.Name = collapse(r.Name)
		r.Institution = collapse(r.Institution)
		r.BroadField = collapse(r.BroadField)
		if lvl := Level(r.Level); lvl != "" {
			r.Level = lvl
		} else {
			r.Level = collapse(r.Level)
		}
	}
	return invalid
}

// Catalog returns a copy of entries with codes and levels canonicalized.
// Entries with an invalid code are dropped.
func Catalog(entries []model.CatalogEntry) []model.CatalogEntry {
	out := make([]model.CatalogEntry, 0, len(entries))
	for _, e := range entries {
		code, ok := Code(e.Code)
		if !ok {
			continue
		}
		out = append(out, model.CatalogEntry{
			Code:       code,
			Name:       collapse(e.Name),
			BroadField: collapse(e.BroadField),
			Level:      Level(e.Level),
		})
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
