package model

import "time"

// RawTable is an untyped tabular extract as produced by an Extractor.
type RawTable struct {
	Source string     `json:"source"`
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

// Len returns the number of data rows.
func (t *RawTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ProgramRecord is one externally observed academic program plus the
// annotations the pipeline and reviewers attach to it.
type ProgramRecord struct {
	Code        string `json:"code"`
	Institution string `json:"institution"`
	Name        string `json:"name"`
	Level       string `json:"level"`
	BroadField  string `json:"broad_field"`

	IsNew               bool       `json:"is_new"`
	IsReferent          bool       `json:"is_referent"`
	MatchedCatalogCode  *string    `json:"matched_catalog_code,omitempty"`
	MatchedCatalogName  *string    `json:"matched_catalog_name,omitempty"`
	Confidence          float64    `json:"confidence"`
	EmbeddingSimilarity float64    `json:"embedding_similarity"`
	FieldSimilarityFlag bool       `json:"field_similarity_flag"`
	LevelSimilarityFlag bool       `json:"level_similarity_flag"`
	ManuallyAdjusted    bool       `json:"manually_adjusted"`
	AdjustedAt          *time.Time `json:"adjusted_at,omitempty"`

	// Extra holds pass-through columns declared in the schema manifest.
	Extra map[string]string `json:"extra,omitempty"`
}

// ClearMatch resets the classification annotations.
func (r *ProgramRecord) ClearMatch() {
	r.IsReferent = false
	r.MatchedCatalogCode = nil
	r.MatchedCatalogName = nil
	r.Confidence = 0
	r.EmbeddingSimilarity = 0
	r.FieldSimilarityFlag = false
	r.LevelSimilarityFlag = false
}

// CopyAnnotations copies classification and review annotations from src.
func (r *ProgramRecord) CopyAnnotations(src ProgramRecord) {
	r.IsReferent = src.IsReferent
	r.MatchedCatalogCode = src.MatchedCatalogCode
	r.MatchedCatalogName = src.MatchedCatalogName
	r.Confidence = src.Confidence
	r.EmbeddingSimilarity = src.EmbeddingSimilarity
	r.FieldSimilarityFlag = src.FieldSimilarityFlag
	r.LevelSimilarityFlag = src.LevelSimilarityFlag
	r.ManuallyAdjusted = src.ManuallyAdjusted
	r.AdjustedAt = src.AdjustedAt
}

// CatalogEntry is an immutable program of the internal catalog.
type CatalogEntry struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	BroadField string `json:"broad_field"`
	Level      string `json:"level"`
}

// TrainingPair is one labelled (external program, catalog program) pair
// from the training reference table.
type TrainingPair struct {
	ExternalCode  string `json:"external_code,omitempty"`
	ExternalName  string `json:"external_name"`
	ExternalField string `json:"external_field"`
	ExternalLevel string `json:"external_level"`
	CatalogCode   string `json:"catalog_code"`
	CatalogName   string `json:"catalog_name"`
	CatalogField  string `json:"catalog_field"`
	CatalogLevel  string `json:"catalog_level"`
	Label         bool   `json:"label"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// Deref returns *p or "" when p is nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
