// Package worker drives the judging loop: claim pending submissions,
// execute them, and write terminal results back under the claim token.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gavel/internal/common/cache"
	"gavel/internal/common/mq"
	"gavel/internal/judge/engine"
	"gavel/internal/judge/events"
	"gavel/internal/judge/model"
	"gavel/internal/judge/repository"
	"gavel/internal/judge/testdata"
	"gavel/internal/judge/verdict"
	appErr "gavel/pkg/errors"
	"gavel/pkg/logger"
)

const heartbeatKeyPrefix = "gavel:worker:heartbeat:"

// HeartbeatKey is the cache key a live worker keeps refreshed. The
// sweeper treats a running submission whose worker has no heartbeat as
// orphaned.
func HeartbeatKey(workerID string) string {
	return heartbeatKeyPrefix + workerID
}

// Config holds worker tunables.
type Config struct {
	WorkerID     string        `yaml:"workerId"`
	PoolSize     int           `yaml:"poolSize"`
	BatchSize    int           `yaml:"batchSize"`
	PollInterval time.Duration `yaml:"pollInterval"`
	HeartbeatTTL time.Duration `yaml:"heartbeatTTL"`
	JudgeTimeout time.Duration `yaml:"judgeTimeout"`
}

func DefaultConfig() Config {
	return Config{
		PoolSize:     4,
		BatchSize:    8,
		PollInterval: time.Second,
		HeartbeatTTL: 30 * time.Second,
		JudgeTimeout: 5 * time.Minute,
	}
}

// Worker owns one claim loop. All judging slots share the worker's id
// and therefore its heartbeat.
type Worker struct {
	cfg     Config
	repo    repository.SubmissionRepository
	packs   testdata.Store
	engine  *engine.Engine
	cache   cache.BasicOps
	events  events.Publisher
	limiter *mq.TokenLimiter
	wg      sync.WaitGroup
}

func New(repo repository.SubmissionRepository, packs testdata.Store, eng *engine.Engine, cacheClient cache.BasicOps, publisher events.Publisher, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = def.HeartbeatTTL
	}
	if cfg.JudgeTimeout <= 0 {
		cfg.JudgeTimeout = def.JudgeTimeout
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Worker{
		cfg:     cfg,
		repo:    repo,
		packs:   packs,
		engine:  eng,
		cache:   cacheClient,
		events:  publisher,
		limiter: mq.NewTokenLimiter(cfg.PoolSize),
	}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

// Run blocks until ctx is canceled, then waits for in-flight judging
// slots to drain. A claim interrupted by shutdown is recorded as failed
// and requeued by the sweeper's retry pass.
func (w *Worker) Run(ctx context.Context) {
	logger.Info(ctx, "worker starting",
		zap.String("worker_id", w.cfg.WorkerID),
		zap.Int("pool_size", w.cfg.PoolSize),
		zap.Int("batch_size", w.cfg.BatchSize))

	w.beat(ctx)
	heartbeatDone := make(chan struct{})
	go w.heartbeatLoop(ctx, heartbeatDone)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			<-heartbeatDone
			logger.Info(context.Background(), "worker stopped", zap.String("worker_id", w.cfg.WorkerID))
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	// Claim at most the free judging slots. A claim stamps started_at and
	// the stuck pass resets running submissions by age alone, so a claim
	// must start executing immediately, never queue behind a busy slot.
	slots := 0
	for slots < w.cfg.BatchSize && w.limiter.TryAcquire() {
		slots++
	}
	if slots == 0 {
		return
	}

	claimed, err := w.repo.ClaimPendingBatch(ctx, w.cfg.WorkerID, slots)
	if err != nil {
		for ; slots > 0; slots-- {
			w.limiter.Release()
		}
		logger.Error(ctx, "claim batch failed", zap.String("worker_id", w.cfg.WorkerID), zap.Error(err))
		return
	}
	for ; slots > len(claimed); slots-- {
		w.limiter.Release()
	}

	for _, sub := range claimed {
		w.wg.Add(1)
		go w.process(ctx, sub)
	}
}

func (w *Worker) process(ctx context.Context, sub *model.Submission) {
	defer w.wg.Done()
	defer w.limiter.Release()

	judgeCtx, cancel := context.WithTimeout(ctx, w.cfg.JudgeTimeout)
	defer cancel()

	logger.Info(judgeCtx, "judging submission",
		zap.String("submission_id", sub.ID),
		zap.Int64("problem_id", sub.ProblemID),
		zap.String("language", sub.Language))

	pack, err := w.packs.Load(judgeCtx, sub.ProblemID)
	if err != nil {
		w.fail(judgeCtx, sub, err)
		return
	}

	outcome, err := w.engine.Execute(judgeCtx, sub.SourceCode, sub.Language, pack.Limits, pack.Cases)
	if err != nil {
		w.fail(judgeCtx, sub, err)
		return
	}

	var result model.JudgeResult
	if outcome.Compiled {
		result = verdict.Aggregate(outcome.Cases)
	} else {
		result = verdict.AggregateCompileFailure(len(pack.Cases), outcome.CompileLog)
	}

	if err := w.repo.MarkDone(judgeCtx, sub.ID, sub.ClaimToken, &result); err != nil {
		if appErr.Is(err, appErr.SubmissionConflict) {
			logger.Warn(judgeCtx, "claim lost before finalize, dropping result",
				zap.String("submission_id", sub.ID))
			return
		}
		logger.Error(judgeCtx, "finalize submission failed",
			zap.String("submission_id", sub.ID), zap.Error(err))
		return
	}

	sub.Status = model.StatusDone
	sub.Result = &result
	if err := w.events.PublishFinished(judgeCtx, sub); err != nil {
		logger.Warn(judgeCtx, "publish finished event failed",
			zap.String("submission_id", sub.ID), zap.Error(err))
	}
	logger.Info(judgeCtx, "submission judged",
		zap.String("submission_id", sub.ID),
		zap.String("verdict", string(result.Status)),
		zap.Int("passed", result.Passed),
		zap.Int("total", result.Total))
}

// fail records an infrastructure fault. The sweeper retries failed
// submissions until the recovery cap, so transient faults heal without
// worker-side retry logic.
func (w *Worker) fail(ctx context.Context, sub *model.Submission, cause error) {
	reason := cause.Error()
	if len(reason) > 512 {
		reason = reason[:512]
	}
	logger.Error(ctx, "judging failed",
		zap.String("submission_id", sub.ID), zap.Error(cause))

	if err := w.repo.MarkFailed(ctx, sub.ID, sub.ClaimToken, reason); err != nil {
		if appErr.Is(err, appErr.SubmissionConflict) {
			logger.Warn(ctx, "claim lost before failure record",
				zap.String("submission_id", sub.ID))
			return
		}
		logger.Error(ctx, "record failure failed",
			zap.String("submission_id", sub.ID), zap.Error(err))
		return
	}
	sub.Status = model.StatusFailed
	sub.FailReason = reason
	if err := w.events.PublishFinished(ctx, sub); err != nil {
		logger.Warn(ctx, "publish finished event failed",
			zap.String("submission_id", sub.ID), zap.Error(err))
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	interval := w.cfg.HeartbeatTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

// beat refreshes the liveness key. Best effort: a missed beat only makes
// the sweeper treat this worker's claims as orphaned earlier.
func (w *Worker) beat(ctx context.Context) {
	if w.cache == nil {
		return
	}
	if err := w.cache.Set(ctx, HeartbeatKey(w.cfg.WorkerID), time.Now().UTC().Format(time.RFC3339), w.cfg.HeartbeatTTL); err != nil {
		logger.Warn(ctx, "heartbeat failed", zap.String("worker_id", w.cfg.WorkerID), zap.Error(err))
	}
}
