package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the ledger record of a single pipeline run.
type Run struct {
	ID        string     `json:"id"`
	Holder    string     `json:"holder"`
	Source    string     `json:"source"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunResult holds the final outcome of a run.
type RunResult struct {
	Records        int           `json:"records"`
	New            int           `json:"new"`
	Known          int           `json:"known"`
	InvalidCodes   int           `json:"invalid_codes"`
	Classified     int           `json:"classified"`
	Referents      int           `json:"referents"`
	ModelVersion   int           `json:"model_version"`
	Degraded       bool          `json:"degraded"`
	DegradedReason string        `json:"degraded_reason,omitempty"`
	Consolidated   int           `json:"consolidated"`
	Warnings       []string      `json:"warnings,omitempty"`
	Stages         []StageResult `json:"stages"`
	FailedStage    string        `json:"failed_stage,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// RunStage represents a stage within a run.
type RunStage struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Index     int          `json:"index"`
	Name      string       `json:"name"`
	Status    StageStatus  `json:"status"`
	Result    *StageResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// StageStatus represents the current state of a pipeline stage.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageResult holds the outcome of a pipeline stage.
type StageResult struct {
	Index    int            `json:"index"`
	Name     string         `json:"name"`
	Status   StageStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Warnings []string       `json:"warnings,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Decision is the classification outcome recorded for one new record of a
// run, kept for audit independently of later reviewer edits.
type Decision struct {
	RunID        string  `json:"run_id"`
	Code         string  `json:"code"`
	Name         string  `json:"name"`
	Level        string  `json:"level"`
	IsReferent   bool    `json:"is_referent"`
	MatchedCode  string  `json:"matched_code,omitempty"`
	Confidence   float64 `json:"confidence"`
	Similarity   float64 `json:"similarity"`
	ModelVersion int     `json:"model_version"`
}

// DecisionFrom builds the Decision for a classified record.
func DecisionFrom(runID string, modelVersion int, r ProgramRecord) Decision {
	return Decision{
		RunID:        runID,
		Code:         r.Code,
		Name:         r.Name,
		Level:        r.Level,
		IsReferent:   r.IsReferent,
		MatchedCode:  Deref(r.MatchedCatalogCode),
		Confidence:   r.Confidence,
		Similarity:   r.EmbeddingSimilarity,
		ModelVersion: modelVersion,
	}
}
