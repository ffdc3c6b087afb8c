package model

// Verdict represents the outcome of execution, per test case or overall.
type Verdict string

const (
	VerdictAC  Verdict = "AC"
	VerdictWA  Verdict = "WA"
	VerdictTLE Verdict = "TLE"
	VerdictMLE Verdict = "MLE"
	VerdictRE  Verdict = "RE"
	VerdictCE  Verdict = "CE"
)

// CaseResult contains per-testcase execution outcomes. Visibility is
// carried from the test case so the read path can redact echo-back
// without reloading the pack.
type CaseResult struct {
	Index      int        `json:"index"`
	Input      string     `json:"input,omitempty"`
	Expected   string     `json:"expected,omitempty"`
	Stdout     string     `json:"stdout,omitempty"`
	Stderr     string     `json:"stderr,omitempty"`
	Status     Verdict    `json:"status"`
	TimeMs     int64      `json:"time_ms"`
	MemoryKB   int64      `json:"memory_kb"`
	Visibility Visibility `json:"visibility,omitempty"`
}

// JudgeResult is the aggregate outcome attached to a done submission.
// Immutable once attached. TimeMs and MemoryKB are the worst observed
// values across cases, matching the binding-constraint semantics of limits.
type JudgeResult struct {
	Total      int          `json:"total"`
	Passed     int          `json:"passed"`
	Status     Verdict      `json:"status"`
	TimeMs     int64        `json:"time_ms"`
	MemoryKB   int64        `json:"memory_kb"`
	CompileLog string       `json:"compile_log,omitempty"`
	Cases      []CaseResult `json:"cases"`
}
