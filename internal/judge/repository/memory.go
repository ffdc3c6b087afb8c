package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gavel/internal/judge/model"
	appErr "gavel/pkg/errors"
)

// MemorySubmissionRepository is an in-process SubmissionRepository used in
// tests and single-node development. It applies the same claim and
// transition rules as the MySQL implementation.
type MemorySubmissionRepository struct {
	mu   sync.Mutex
	subs map[string]*model.Submission
}

func NewMemorySubmissionRepository() *MemorySubmissionRepository {
	return &MemorySubmissionRepository{subs: make(map[string]*model.Submission)}
}

func cloneSubmission(s *model.Submission) *model.Submission {
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	if s.Result != nil {
		r := *s.Result
		r.Cases = append([]model.CaseResult(nil), s.Result.Cases...)
		c.Result = &r
	}
	return &c
}

func (r *MemorySubmissionRepository) Create(_ context.Context, sub *model.Submission) error {
	if sub == nil {
		return errors.New("submission is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = model.StatusPending
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if _, exists := r.subs[sub.ID]; exists {
		return appErr.Newf(appErr.SubmissionConflict, "submission %s already exists", sub.ID)
	}
	r.subs[sub.ID] = cloneSubmission(sub)
	return nil
}

func (r *MemorySubmissionRepository) GetByID(_ context.Context, id string) (*model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", id)
	}
	return cloneSubmission(sub), nil
}

func (r *MemorySubmissionRepository) List(_ context.Context, q ListQuery) ([]*model.Submission, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var cursorAt time.Time
	var cursorID string
	if q.Cursor != "" {
		var err error
		cursorAt, cursorID, err = decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", appErr.BadRequest("invalid cursor")
		}
	}

	r.mu.Lock()
	matched := make([]*model.Submission, 0, len(r.subs))
	for _, sub := range r.subs {
		if q.UserID != nil && sub.UserID != *q.UserID {
			continue
		}
		if q.ProblemID != nil && sub.ProblemID != *q.ProblemID {
			continue
		}
		if q.Status != nil && sub.Status != *q.Status {
			continue
		}
		if q.Cursor != "" {
			if sub.CreatedAt.After(cursorAt) {
				continue
			}
			if sub.CreatedAt.Equal(cursorAt) && sub.ID >= cursorID {
				continue
			}
		}
		matched = append(matched, cloneSubmission(sub))
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	next := ""
	if len(matched) > limit {
		matched = matched[:limit]
		next = encodeCursor(matched[limit-1])
	}
	return matched, next, nil
}

func (r *MemorySubmissionRepository) CountRecentByUser(_ context.Context, userID int64, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sub := range r.subs {
		if sub.UserID == userID && !sub.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MemorySubmissionRepository) ClaimPendingBatch(_ context.Context, workerID string, limit int) ([]*model.Submission, error) {
	if workerID == "" {
		return nil, appErr.ValidationError("worker_id", "required")
	}
	if limit <= 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]*model.Submission, 0, limit)
	for _, sub := range r.subs {
		if sub.Status == model.StatusPending {
			pending = append(pending, sub)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	token := uuid.NewString()
	now := time.Now().UTC()
	claimed := make([]*model.Submission, 0, len(pending))
	for _, sub := range pending {
		sub.Status = model.StatusRunning
		sub.WorkerID = workerID
		sub.ClaimToken = token
		t := now
		sub.StartedAt = &t
		claimed = append(claimed, cloneSubmission(sub))
	}
	return claimed, nil
}

func (r *MemorySubmissionRepository) MarkDone(_ context.Context, id, claimToken string, result *model.JudgeResult) error {
	if result == nil {
		return errors.New("result is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok || sub.Status != model.StatusRunning || sub.ClaimToken != claimToken {
		return appErr.Newf(appErr.SubmissionConflict, "claim no longer valid for submission %s", id)
	}
	sub.Status = model.StatusDone
	res := *result
	res.Cases = append([]model.CaseResult(nil), result.Cases...)
	sub.Result = &res
	now := time.Now().UTC()
	sub.FinishedAt = &now
	return nil
}

func (r *MemorySubmissionRepository) MarkFailed(_ context.Context, id, claimToken, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok || sub.Status != model.StatusRunning || sub.ClaimToken != claimToken {
		return appErr.Newf(appErr.SubmissionConflict, "claim no longer valid for submission %s", id)
	}
	sub.Status = model.StatusFailed
	sub.FailReason = reason
	now := time.Now().UTC()
	sub.FinishedAt = &now
	return nil
}

func (r *MemorySubmissionRepository) ResetToPending(_ context.Context, id string, from model.Status) (bool, error) {
	if from.Terminal() && from != model.StatusFailed {
		return false, appErr.Newf(appErr.InvalidTransition, "cannot reset submission from %s", from)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok || sub.Status != from {
		return false, nil
	}
	sub.Status = model.StatusPending
	sub.WorkerID = ""
	sub.ClaimToken = ""
	sub.StartedAt = nil
	sub.FinishedAt = nil
	sub.FailReason = ""
	sub.RecoveryCount++
	return true, nil
}

func (r *MemorySubmissionRepository) ForceFail(_ context.Context, id, reason string, from model.Status) (bool, error) {
	if from.Terminal() {
		return false, appErr.Newf(appErr.InvalidTransition, "cannot force-fail submission from %s", from)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok || sub.Status != from {
		return false, nil
	}
	sub.Status = model.StatusFailed
	sub.FailReason = reason
	sub.ClaimToken = ""
	now := time.Now().UTC()
	sub.FinishedAt = &now
	return true, nil
}

func (r *MemorySubmissionRepository) FindStuckRunning(_ context.Context, cutoff time.Time, limit int) ([]*model.Submission, error) {
	return r.filter(limit, func(sub *model.Submission) bool {
		return sub.Status == model.StatusRunning && sub.StartedAt != nil && sub.StartedAt.Before(cutoff)
	})
}

func (r *MemorySubmissionRepository) FindRunning(_ context.Context, limit int) ([]*model.Submission, error) {
	return r.filter(limit, func(sub *model.Submission) bool {
		return sub.Status == model.StatusRunning
	})
}

func (r *MemorySubmissionRepository) FindRetriableFailed(_ context.Context, maxRecoveries, limit int) ([]*model.Submission, error) {
	return r.filter(limit, func(sub *model.Submission) bool {
		return sub.Status == model.StatusFailed && sub.RecoveryCount < maxRecoveries
	})
}

func (r *MemorySubmissionRepository) filter(limit int, keep func(*model.Submission) bool) ([]*model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var subs []*model.Submission
	for _, sub := range r.subs {
		if keep(sub) {
			subs = append(subs, cloneSubmission(sub))
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
	if limit > 0 && len(subs) > limit {
		subs = subs[:limit]
	}
	return subs, nil
}
