// Package model defines the submission lifecycle, judging results and test
// case types shared across the judge core.
package model

import "time"

// Status represents the lifecycle state of a submission.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Submission represents one judging request.
//
// Lifecycle invariants:
//   - StartedAt is set iff the status has ever left pending.
//   - FinishedAt is set iff the status is done or failed.
//   - Result is present iff the status is done.
//
// A submission is created by the admission path and afterwards mutated only
// by the single worker holding the claim, or by the recovery sweeper once no
// valid claim exists.
type Submission struct {
	ID         string `json:"id"`
	ProblemID  int64  `json:"problem_id"`
	UserID     int64  `json:"user_id"`
	Language   string `json:"language"`
	SourceCode string `json:"source_code"`

	Status Status       `json:"status"`
	Result *JudgeResult `json:"result,omitempty"`

	// WorkerID and ClaimToken record the claim that moved the submission
	// to running. Both empty while pending.
	WorkerID   string `json:"worker_id,omitempty"`
	ClaimToken string `json:"-"`

	// RecoveryCount counts sweeper resets after infrastructure faults.
	// Past the configured cap the submission stays failed permanently.
	RecoveryCount int `json:"recovery_count"`

	// FailReason is set when Status is failed and distinguishes permanent
	// infrastructure faults from judging outcomes.
	FailReason string `json:"fail_reason,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// SubmitRequest is the submission creation payload handed over by the API
// layer.
type SubmitRequest struct {
	ProblemID  int64  `json:"problem_id" binding:"required"`
	UserID     int64  `json:"user_id" binding:"required"`
	Language   string `json:"language" binding:"required"`
	SourceCode string `json:"source_code" binding:"required"`
}

// Limits carries the per-test resource limits a submission runs under.
type Limits struct {
	TimeMs   int64 `json:"time_ms" yaml:"timeMs"`
	MemoryMB int64 `json:"memory_mb" yaml:"memoryMb"`
}
