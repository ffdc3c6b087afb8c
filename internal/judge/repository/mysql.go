package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gavel/internal/common/db"
	"gavel/internal/judge/model"
	appErr "gavel/pkg/errors"
)

const submissionColumns = "id, problem_id, user_id, language, source_code, status, result, worker_id, claim_token, recovery_count, fail_reason, created_at, started_at, finished_at"

// MySQLSubmissionRepository stores submissions in a single MySQL table.
// The claim protocol relies on single-statement UPDATEs for mutual
// exclusion, so no explicit row locks are taken.
type MySQLSubmissionRepository struct {
	database db.Database
}

func NewMySQLSubmissionRepository(database db.Database) *MySQLSubmissionRepository {
	return &MySQLSubmissionRepository{database: database}
}

func (r *MySQLSubmissionRepository) Create(ctx context.Context, sub *model.Submission) error {
	if sub == nil {
		return errors.New("submission is nil")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = model.StatusPending
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	query := "INSERT INTO submissions (id, problem_id, user_id, language, source_code, status, recovery_count, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
	_, err := r.database.Exec(ctx, query,
		sub.ID, sub.ProblemID, sub.UserID, sub.Language, sub.SourceCode, sub.Status, sub.RecoveryCount, sub.CreatedAt)
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return appErr.Newf(appErr.SubmissionConflict, "submission %s already exists", sub.ID)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "insert submission failed")
	}
	return nil
}

func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, id string) (*model.Submission, error) {
	if id == "" {
		return nil, appErr.ValidationError("id", "required")
	}
	query := fmt.Sprintf("SELECT %s FROM submissions WHERE id = ?", submissionColumns)
	row := r.database.QueryRow(ctx, query, id)
	sub, err := scanSubmission(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	return sub, nil
}

func (r *MySQLSubmissionRepository) List(ctx context.Context, q ListQuery) ([]*model.Submission, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	where := make([]string, 0, 4)
	args := make([]interface{}, 0, 6)
	if q.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *q.UserID)
	}
	if q.ProblemID != nil {
		where = append(where, "problem_id = ?")
		args = append(args, *q.ProblemID)
	}
	if q.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *q.Status)
	}
	if q.Cursor != "" {
		createdAt, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", appErr.BadRequest("invalid cursor")
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, createdAt, createdAt, id)
	}

	query := fmt.Sprintf("SELECT %s FROM submissions", submissionColumns)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := r.database.Query(ctx, query, args...)
	if err != nil {
		return nil, "", appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}
	defer rows.Close()

	subs := make([]*model.Submission, 0, limit)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, "", appErr.Wrapf(err, appErr.DatabaseError, "scan submission failed")
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, "", appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}

	next := ""
	if len(subs) > limit {
		subs = subs[:limit]
		next = encodeCursor(subs[limit-1])
	}
	return subs, next, nil
}

func (r *MySQLSubmissionRepository) CountRecentByUser(ctx context.Context, userID int64, since time.Time) (int, error) {
	query := "SELECT COUNT(*) FROM submissions WHERE user_id = ? AND created_at >= ?"
	row := r.database.QueryRow(ctx, query, userID, since)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "count recent submissions failed")
	}
	return n, nil
}

// ClaimPendingBatch stamps up to limit pending rows with this worker's id
// and a fresh claim token in one UPDATE, then reads the stamped rows back
// by token. The single-statement UPDATE is what guarantees no two workers
// claim the same submission.
func (r *MySQLSubmissionRepository) ClaimPendingBatch(ctx context.Context, workerID string, limit int) ([]*model.Submission, error) {
	if workerID == "" {
		return nil, appErr.ValidationError("worker_id", "required")
	}
	if limit <= 0 {
		return nil, nil
	}

	token := uuid.NewString()
	update := "UPDATE submissions SET status = ?, worker_id = ?, claim_token = ?, started_at = NOW(3) WHERE status = ? ORDER BY created_at, id LIMIT ?"
	res, err := r.database.Exec(ctx, update, model.StatusRunning, workerID, token, model.StatusPending, limit)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "claim submissions failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "claim submissions failed")
	}
	if affected == 0 {
		return nil, nil
	}

	query := fmt.Sprintf("SELECT %s FROM submissions WHERE claim_token = ? ORDER BY created_at, id", submissionColumns)
	rows, err := r.database.Query(ctx, query, token)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "read claimed submissions failed")
	}
	defer rows.Close()

	subs := make([]*model.Submission, 0, affected)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan claimed submission failed")
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "read claimed submissions failed")
	}
	return subs, nil
}

func (r *MySQLSubmissionRepository) MarkDone(ctx context.Context, id, claimToken string, result *model.JudgeResult) error {
	if result == nil {
		return errors.New("result is nil")
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalError, "marshal result failed")
	}
	query := "UPDATE submissions SET status = ?, result = ?, finished_at = NOW(3) WHERE id = ? AND status = ? AND claim_token = ?"
	return r.finalize(ctx, query, id, model.StatusDone, string(raw), id, model.StatusRunning, claimToken)
}

func (r *MySQLSubmissionRepository) MarkFailed(ctx context.Context, id, claimToken, reason string) error {
	query := "UPDATE submissions SET status = ?, fail_reason = ?, finished_at = NOW(3) WHERE id = ? AND status = ? AND claim_token = ?"
	return r.finalize(ctx, query, id, model.StatusFailed, reason, id, model.StatusRunning, claimToken)
}

// finalize runs a claim-guarded terminal UPDATE. Zero affected rows means
// the claim was lost, surfaced as SubmissionConflict so callers can drop
// their stale work.
func (r *MySQLSubmissionRepository) finalize(ctx context.Context, query, id string, args ...interface{}) error {
	res, err := r.database.Exec(ctx, query, args...)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "finalize submission failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "finalize submission failed")
	}
	if affected == 0 {
		return appErr.Newf(appErr.SubmissionConflict, "claim no longer valid for submission %s", id)
	}
	return nil
}

func (r *MySQLSubmissionRepository) ResetToPending(ctx context.Context, id string, from model.Status) (bool, error) {
	if from.Terminal() && from != model.StatusFailed {
		return false, appErr.Newf(appErr.InvalidTransition, "cannot reset submission from %s", from)
	}
	query := "UPDATE submissions SET status = ?, worker_id = '', claim_token = '', started_at = NULL, finished_at = NULL, fail_reason = '', recovery_count = recovery_count + 1 WHERE id = ? AND status = ?"
	res, err := r.database.Exec(ctx, query, model.StatusPending, id, from)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "reset submission failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "reset submission failed")
	}
	return affected > 0, nil
}

func (r *MySQLSubmissionRepository) ForceFail(ctx context.Context, id, reason string, from model.Status) (bool, error) {
	if from.Terminal() {
		return false, appErr.Newf(appErr.InvalidTransition, "cannot force-fail submission from %s", from)
	}
	query := "UPDATE submissions SET status = ?, fail_reason = ?, claim_token = '', finished_at = NOW(3) WHERE id = ? AND status = ?"
	res, err := r.database.Exec(ctx, query, model.StatusFailed, reason, id, from)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "force fail submission failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "force fail submission failed")
	}
	return affected > 0, nil
}

func (r *MySQLSubmissionRepository) FindStuckRunning(ctx context.Context, cutoff time.Time, limit int) ([]*model.Submission, error) {
	query := fmt.Sprintf("SELECT %s FROM submissions WHERE status = ? AND started_at < ? ORDER BY started_at LIMIT ?", submissionColumns)
	return r.findMany(ctx, query, model.StatusRunning, cutoff, limit)
}

func (r *MySQLSubmissionRepository) FindRunning(ctx context.Context, limit int) ([]*model.Submission, error) {
	query := fmt.Sprintf("SELECT %s FROM submissions WHERE status = ? ORDER BY started_at LIMIT ?", submissionColumns)
	return r.findMany(ctx, query, model.StatusRunning, limit)
}

func (r *MySQLSubmissionRepository) FindRetriableFailed(ctx context.Context, maxRecoveries, limit int) ([]*model.Submission, error) {
	query := fmt.Sprintf("SELECT %s FROM submissions WHERE status = ? AND recovery_count < ? ORDER BY finished_at LIMIT ?", submissionColumns)
	return r.findMany(ctx, query, model.StatusFailed, maxRecoveries, limit)
}

func (r *MySQLSubmissionRepository) findMany(ctx context.Context, query string, args ...interface{}) ([]*model.Submission, error) {
	rows, err := r.database.Query(ctx, query, args...)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query submissions failed")
	}
	defer rows.Close()

	var subs []*model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan submission failed")
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query submissions failed")
	}
	return subs, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(s scanner) (*model.Submission, error) {
	var (
		sub        model.Submission
		result     sql.NullString
		workerID   sql.NullString
		claimToken sql.NullString
		failReason sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := s.Scan(
		&sub.ID, &sub.ProblemID, &sub.UserID, &sub.Language, &sub.SourceCode,
		&sub.Status, &result, &workerID, &claimToken, &sub.RecoveryCount,
		&failReason, &sub.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.WorkerID = workerID.String
	sub.ClaimToken = claimToken.String
	sub.FailReason = failReason.String
	if startedAt.Valid {
		t := startedAt.Time
		sub.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		sub.FinishedAt = &t
	}
	if result.Valid && result.String != "" {
		var jr model.JudgeResult
		if err := json.Unmarshal([]byte(result.String), &jr); err != nil {
			return nil, fmt.Errorf("decode stored result: %w", err)
		}
		sub.Result = &jr
	}
	return &sub, nil
}
