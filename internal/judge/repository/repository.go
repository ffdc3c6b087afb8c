// Package repository persists submissions and implements the claim
// protocol the workers and the recovery sweeper coordinate through.
package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gavel/internal/judge/model"
)

// ListQuery selects a page of submissions, newest first.
type ListQuery struct {
	UserID    *int64
	ProblemID *int64
	Status    *model.Status
	Limit     int
	// Cursor is the opaque token returned by the previous page, empty for
	// the first page.
	Cursor string
}

// SubmissionRepository is the storage contract for the judging pipeline.
//
// Claim semantics: ClaimPendingBatch atomically moves pending rows to
// running and stamps them with the worker id and a fresh claim token.
// MarkDone and MarkFailed only succeed while the caller still holds the
// claim, so at most one worker ever finalizes a submission.
type SubmissionRepository interface {
	Create(ctx context.Context, sub *model.Submission) error
	GetByID(ctx context.Context, id string) (*model.Submission, error)
	List(ctx context.Context, q ListQuery) ([]*model.Submission, string, error)
	CountRecentByUser(ctx context.Context, userID int64, since time.Time) (int, error)

	ClaimPendingBatch(ctx context.Context, workerID string, limit int) ([]*model.Submission, error)
	MarkDone(ctx context.Context, id, claimToken string, result *model.JudgeResult) error
	MarkFailed(ctx context.Context, id, claimToken, reason string) error

	// ResetToPending moves a submission from the given non-terminal-safe
	// state back to pending, clearing claim fields and bumping the
	// recovery counter. It reports whether the row actually transitioned,
	// so concurrent sweepers stay idempotent.
	ResetToPending(ctx context.Context, id string, from model.Status) (bool, error)

	// ForceFail marks a submission failed without a claim token. Only the
	// sweeper uses it, for submissions whose recovery cap is exhausted.
	ForceFail(ctx context.Context, id, reason string, from model.Status) (bool, error)

	FindStuckRunning(ctx context.Context, cutoff time.Time, limit int) ([]*model.Submission, error)
	FindRunning(ctx context.Context, limit int) ([]*model.Submission, error)
	FindRetriableFailed(ctx context.Context, maxRecoveries, limit int) ([]*model.Submission, error)
}

// encodeCursor packs the sort key of the last row of a page.
func encodeCursor(s *model.Submission) string {
	return fmt.Sprintf("%d_%s", s.CreatedAt.UnixNano(), s.ID)
}

// decodeCursor reverses encodeCursor. An empty cursor means first page.
func decodeCursor(cursor string) (time.Time, string, error) {
	idx := strings.IndexByte(cursor, '_')
	if idx <= 0 || idx == len(cursor)-1 {
		return time.Time{}, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	nanos, err := strconv.ParseInt(cursor[:idx], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return time.Unix(0, nanos), cursor[idx+1:], nil
}
