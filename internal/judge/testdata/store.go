// Package testdata loads problem test case packs from object storage.
//
// A pack is a zstd-compressed tar archive named problems/<id>.tar.zst
// containing a pack.json manifest plus the referenced case files.
package testdata

import (
	"context"

	"gavel/internal/judge/model"
)

// Pack is one problem's judging inputs: its resource limits and the
// ordered test case set.
type Pack struct {
	ProblemID int64            `json:"problem_id"`
	Limits    model.Limits     `json:"limits"`
	Cases     []model.TestCase `json:"cases"`
}

// Store resolves a problem id to its pack.
type Store interface {
	Load(ctx context.Context, problemID int64) (*Pack, error)
}

// manifest is the pack.json layout inside the archive. Input and Output
// name files relative to the archive root.
type manifest struct {
	ProblemID int64        `json:"problem_id"`
	Limits    model.Limits `json:"limits"`
	Cases     []struct {
		Index      int              `json:"index"`
		Input      string           `json:"input"`
		Output     string           `json:"output"`
		Visibility model.Visibility `json:"visibility"`
	} `json:"cases"`
}
