// Package service composes admission, persistence and events into the
// submit/read API the web layer exposes.
package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"gavel/internal/common/cache"
	"gavel/internal/judge/events"
	"gavel/internal/judge/language"
	"gavel/internal/judge/model"
	"gavel/internal/judge/repository"
	appErr "gavel/pkg/errors"
	"gavel/pkg/logger"
)

const resultKeyPrefix = "gavel:submission:"

// Authorizer decides whether a user may enter a new submission.
type Authorizer interface {
	Admit(ctx context.Context, userID int64) error
}

// Config holds service tunables.
type Config struct {
	// MaxSourceBytes rejects oversized source at the door.
	MaxSourceBytes int `yaml:"maxSourceBytes"`

	// ResultTTL bounds how long terminal submissions stay cached.
	ResultTTL time.Duration `yaml:"resultTTL"`

	// EmptyTTL bounds negative caching of unknown submission ids.
	EmptyTTL time.Duration `yaml:"emptyTTL"`
}

func DefaultConfig() Config {
	return Config{
		MaxSourceBytes: 256 << 10,
		ResultTTL:      30 * time.Minute,
		EmptyTTL:       time.Minute,
	}
}

// Submissions is the submit/read service. Only terminal submissions are
// cached: pending and running states change underneath readers, so those
// always hit the store.
type Submissions struct {
	repo     repository.SubmissionRepository
	registry *language.Registry
	guard    Authorizer
	cache    cache.BasicOps
	events   events.Publisher
	cfg      Config
}

func NewSubmissions(repo repository.SubmissionRepository, registry *language.Registry, guard Authorizer, cacheClient cache.BasicOps, publisher events.Publisher, cfg Config) *Submissions {
	def := DefaultConfig()
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = def.MaxSourceBytes
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	if cfg.EmptyTTL <= 0 {
		cfg.EmptyTTL = def.EmptyTTL
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Submissions{
		repo:     repo,
		registry: registry,
		guard:    guard,
		cache:    cacheClient,
		events:   publisher,
		cfg:      cfg,
	}
}

// Submit validates, authorizes and persists a new pending submission.
// Unsupported languages are rejected here, never queued.
func (s *Submissions) Submit(ctx context.Context, req *model.SubmitRequest) (*model.Submission, error) {
	if req == nil {
		return nil, appErr.BadRequest("request body is required")
	}
	if req.ProblemID <= 0 {
		return nil, appErr.ValidationError("problem_id", "required")
	}
	if req.UserID <= 0 {
		return nil, appErr.ValidationError("user_id", "required")
	}
	if req.SourceCode == "" {
		return nil, appErr.ValidationError("source_code", "required")
	}
	if len(req.SourceCode) > s.cfg.MaxSourceBytes {
		return nil, appErr.Newf(appErr.ValidationFailed, "source code exceeds %d bytes", s.cfg.MaxSourceBytes)
	}
	if _, err := s.registry.Resolve(req.Language); err != nil {
		return nil, err
	}
	if s.guard != nil {
		if err := s.guard.Admit(ctx, req.UserID); err != nil {
			return nil, err
		}
	}

	sub := &model.Submission{
		ProblemID:  req.ProblemID,
		UserID:     req.UserID,
		Language:   req.Language,
		SourceCode: req.SourceCode,
		Status:     model.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, err
	}
	logger.Info(ctx, "submission accepted",
		zap.String("submission_id", sub.ID),
		zap.Int64("problem_id", sub.ProblemID),
		zap.Int64("user_id", sub.UserID),
		zap.String("language", sub.Language))

	if err := s.events.PublishAccepted(ctx, sub); err != nil {
		logger.Warn(ctx, "publish accepted event failed",
			zap.String("submission_id", sub.ID), zap.Error(err))
	}
	return redact(sub), nil
}

// Get returns one submission with private case data blanked.
func (s *Submissions) Get(ctx context.Context, id string) (*model.Submission, error) {
	if id == "" {
		return nil, appErr.ValidationError("id", "required")
	}

	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, resultKeyPrefix+id); err == nil && raw != "" {
			if raw == cache.NullCacheValue {
				return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", id)
			}
			var sub model.Submission
			if err := json.Unmarshal([]byte(raw), &sub); err == nil {
				return redact(&sub), nil
			}
		}
	}

	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if s.cache != nil && appErr.Is(err, appErr.SubmissionNotFound) {
			_ = s.cache.Set(ctx, resultKeyPrefix+id, cache.NullCacheValue, cache.JitterTTL(s.cfg.EmptyTTL))
		}
		return nil, err
	}

	if s.cache != nil && sub.Status.Terminal() {
		if raw, err := json.Marshal(sub); err == nil {
			_ = s.cache.Set(ctx, resultKeyPrefix+id, string(raw), cache.JitterTTL(s.cfg.ResultTTL))
		}
	}
	return redact(sub), nil
}

// List returns a page of submissions, newest first, redacted.
func (s *Submissions) List(ctx context.Context, q repository.ListQuery) ([]*model.Submission, string, error) {
	subs, next, err := s.repo.List(ctx, q)
	if err != nil {
		return nil, "", err
	}
	for i, sub := range subs {
		subs[i] = redact(sub)
	}
	return subs, next, nil
}

// Languages lists the accepted language identifiers.
func (s *Submissions) Languages() []string {
	return s.registry.Supported()
}

// redact blanks case data the submitter is not entitled to see. Sample
// cases echo everything, public cases keep program output, private cases
// keep only verdict and resource usage.
func redact(sub *model.Submission) *model.Submission {
	if sub == nil || sub.Result == nil {
		return sub
	}
	for i := range sub.Result.Cases {
		c := &sub.Result.Cases[i]
		switch c.Visibility {
		case model.VisibilitySample:
		case model.VisibilityPublic:
			c.Input = ""
			c.Expected = ""
		default:
			c.Input = ""
			c.Expected = ""
			c.Stdout = ""
			c.Stderr = ""
		}
	}
	return sub
}
