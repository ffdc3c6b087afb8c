package model

// Visibility controls what a test case echoes back to the submitter.
// It never changes how judging executes.
type Visibility string

const (
	VisibilitySample  Visibility = "sample"
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// TestCase is one input/expected-output pair of a problem's test case set.
// Immutable once judged against.
type TestCase struct {
	Index      int        `json:"index"`
	Input      string     `json:"input"`
	Expected   string     `json:"expected"`
	Visibility Visibility `json:"visibility"`
}
