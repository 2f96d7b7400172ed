package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status RunStatus
		want   string
	}{
		{RunStatusRunning, "running"},
		{RunStatusSucceeded, "succeeded"},
		{RunStatusFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
		})
	}
}

func TestRawTable_Len(t *testing.T) {
	var nilTable *RawTable
	assert.Equal(t, 0, nilTable.Len())
	assert.Equal(t, 2, (&RawTable{Rows: [][]string{{"a"}, {"b"}}}).Len())
}

func TestProgramRecord_CopyAndClear(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	src := ProgramRecord{
		IsReferent:          true,
		MatchedCatalogCode:  StringPtr("100"),
		MatchedCatalogName:  StringPtr("Ingeniería de Sistemas"),
		Confidence:          0.91,
		EmbeddingSimilarity: 0.88,
		FieldSimilarityFlag: true,
		LevelSimilarityFlag: true,
		ManuallyAdjusted:    true,
		AdjustedAt:          &at,
	}

	var dst ProgramRecord
	dst.CopyAnnotations(src)
	assert.True(t, dst.IsReferent)
	assert.Equal(t, "100", Deref(dst.MatchedCatalogCode))
	assert.True(t, dst.ManuallyAdjusted)
	assert.Equal(t, at, *dst.AdjustedAt)

	dst.ClearMatch()
	assert.False(t, dst.IsReferent)
	assert.Nil(t, dst.MatchedCatalogCode)
	assert.Zero(t, dst.Confidence)
	// Review annotations survive a cleared match.
	assert.True(t, dst.ManuallyAdjusted)
	assert.Empty(t, Deref(nil))
}

func TestDecisionFrom(t *testing.T) {
	t.Parallel()

	r := ProgramRecord{
		Code: "9999", Name: "Ingenieria De Sistemas", Level: "universitario",
		IsReferent: true, MatchedCatalogCode: StringPtr("100"), Confidence: 0.82, EmbeddingSimilarity: 1,
	}
	d := DecisionFrom("run-1", 3, r)
	assert.Equal(t, Decision{
		RunID: "run-1", Code: "9999", Name: "Ingenieria De Sistemas", Level: "universitario",
		IsReferent: true, MatchedCode: "100", Confidence: 0.82, Similarity: 1, ModelVersion: 3,
	}, d)

	assert.Empty(t, DecisionFrom("run-1", 3, ProgramRecord{Code: "1"}).MatchedCode)
}
