package schema

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/normalize"
)

// Annotation columns appended to the persisted dataset.
const (
	ColIsNew               = "IS_NEW"
	ColIsReferent          = "IS_REFERENT"
	ColConfidence          = "CONFIDENCE"
	ColMatchedCatalogCode  = "MATCHED_CATALOG_CODE"
	ColMatchedCatalogName  = "MATCHED_CATALOG_NAME"
	ColEmbeddingSimilarity = "EMBEDDING_SIMILARITY"
	ColFieldMatch          = "FIELD_MATCH"
	ColLevelMatch          = "LEVEL_MATCH"
	ColManuallyAdjusted    = "MANUALLY_ADJUSTED"
	ColAdjustedAt          = "ADJUSTED_AT"
)

var annotationColumns = []string{
	ColIsNew,
	ColIsReferent,
	ColConfidence,
	ColMatchedCatalogCode,
	ColMatchedCatalogName,
	ColEmbeddingSimilarity,
	ColFieldMatch,
	ColLevelMatch,
	ColManuallyAdjusted,
	ColAdjustedAt,
}

// StoredHeader returns the header of the persisted dataset: typed columns,
// pass-through columns, then annotation columns.
func (m Manifest) StoredHeader() []string {
	h := []string{
		m.Columns[FieldCode],
		m.Columns[FieldName],
		m.Columns[FieldInstitution],
		m.Columns[FieldLevel],
		m.Columns[FieldBroadField],
	}
	h = append(h, m.PassThrough...)
	return append(h, annotationColumns...)
}

// Encode renders recs as rows under StoredHeader.
func (m Manifest) Encode(recs []model.ProgramRecord) (header []string, rows [][]string) {
	header = m.StoredHeader()
	rows = make([][]string, 0, len(recs))
	for _, r := range recs {
		row := []string{r.Code, r.Name, r.Institution, r.Level, r.BroadField}
		for _, col := range m.PassThrough {
			row = append(row, r.Extra[col])
		}
		adjusted := ""
		if r.AdjustedAt != nil {
			adjusted = r.AdjustedAt.UTC().Format(time.RFC3339)
		}
		row = append(row,
			formatBool(r.IsNew),
			formatBool(r.IsReferent),
			formatFloat(r.Confidence),
			model.Deref(r.MatchedCatalogCode),
			model.Deref(r.MatchedCatalogName),
			formatFloat(r.EmbeddingSimilarity),
			formatBool(r.FieldSimilarityFlag),
			formatBool(r.LevelSimilarityFlag),
			formatBool(r.ManuallyAdjusted),
			adjusted,
		)
		rows = append(rows, row)
	}
	return header, rows
}

// DecodeStored parses a persisted dataset written by Encode. Annotation
// columns are optional so a plain extract can seed the store.
func (m Manifest) DecodeStored(header []string, rows [][]string) ([]model.ProgramRecord, error) {
	recs, _, err := m.decode(&model.RawTable{Header: header, Rows: rows}, annotationColumns)
	if err != nil {
		return nil, err
	}

	idx := indexHeader(header)
	get := func(row []string, col string) string {
		i, ok := idx[normalize.Header(col)]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	for i, row := range rows {
		r := &recs[i]
		r.IsNew = parseBool(get(row, ColIsNew))
		r.IsReferent = parseBool(get(row, ColIsReferent))
		r.FieldSimilarityFlag = parseBool(get(row, ColFieldMatch))
		r.LevelSimilarityFlag = parseBool(get(row, ColLevelMatch))
		r.ManuallyAdjusted = parseBool(get(row, ColManuallyAdjusted))

		if r.Confidence, err = parseFloat(get(row, ColConfidence)); err != nil {
			return nil, eris.Wrapf(err, "schema: row %d confidence", i+1)
		}
		if r.EmbeddingSimilarity, err = parseFloat(get(row, ColEmbeddingSimilarity)); err != nil {
			return nil, eris.Wrapf(err, "schema: row %d similarity", i+1)
		}
		if v := get(row, ColMatchedCatalogCode); v != "" {
			if code, ok := normalize.Code(v); ok {
				r.MatchedCatalogCode = model.StringPtr(code)
			}
		}
		if v := get(row, ColMatchedCatalogName); v != "" {
			r.MatchedCatalogName = model.StringPtr(v)
		}
		if v := get(row, ColAdjustedAt); v != "" {
			ts, perr := time.Parse(time.RFC3339, v)
			if perr != nil {
				return nil, eris.Wrapf(perr, "schema: row %d adjusted_at", i+1)
			}
			r.AdjustedAt = &ts
		}
	}
	return recs, nil
}

// SortByCode orders recs by code so persisted output is stable.
func SortByCode(recs []model.ProgramRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return CompareCodes(recs[i].Code, recs[j].Code) < 0
	})
}

// CompareCodes orders two canonical codes numerically when both are
// integers and lexicographically otherwise.
func CompareCodes(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "si", "sí", "yes", "x":
		return true
	}
	return false
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
}
