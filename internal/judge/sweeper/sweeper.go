// Package sweeper returns orphaned submissions to the queue. It is the
// only component allowed to move a submission backwards in its lifecycle.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gavel/internal/common/cache"
	"gavel/internal/judge/events"
	"gavel/internal/judge/model"
	"gavel/internal/judge/repository"
	"gavel/internal/judge/worker"
	"gavel/pkg/logger"
)

// Config holds sweeper tunables.
type Config struct {
	// Schedule is a cron spec for sweep runs.
	Schedule string `yaml:"schedule"`

	// StuckAfter is how long a submission may stay running before the
	// stuck pass resets it regardless of worker liveness.
	StuckAfter time.Duration `yaml:"stuckAfter"`

	// OrphanGrace protects freshly claimed submissions from the liveness
	// pass while their worker's first heartbeat may still be in flight.
	OrphanGrace time.Duration `yaml:"orphanGrace"`

	// MaxRecoveries caps how often one submission is returned to the
	// queue. Past the cap it is failed permanently.
	MaxRecoveries int `yaml:"maxRecoveries"`

	BatchSize   int           `yaml:"batchSize"`
	PassTimeout time.Duration `yaml:"passTimeout"`
}

func DefaultConfig() Config {
	return Config{
		Schedule:      "@every 30s",
		StuckAfter:    10 * time.Minute,
		OrphanGrace:   time.Minute,
		MaxRecoveries: 3,
		BatchSize:     100,
		PassTimeout:   30 * time.Second,
	}
}

// Stats counts what one sweep did.
type Stats struct {
	Stuck     int
	Orphaned  int
	Retried   int
	Exhausted int
}

// Sweeper periodically scans for submissions stranded by worker crashes
// or infrastructure faults and returns them to pending, up to the
// recovery cap.
type Sweeper struct {
	repo   repository.SubmissionRepository
	cache  cache.BasicOps
	events events.Publisher
	cfg    Config
	cron   *cron.Cron
}

func New(repo repository.SubmissionRepository, cacheClient cache.BasicOps, publisher events.Publisher, cfg Config) *Sweeper {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = def.OrphanGrace
	}
	if cfg.MaxRecoveries <= 0 {
		cfg.MaxRecoveries = def.MaxRecoveries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = def.PassTimeout
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Sweeper{
		repo:   repo,
		cache:  cacheClient,
		events: publisher,
		cfg:    cfg,
		cron:   cron.New(),
	}
}

// Start schedules sweep runs until Stop is called.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PassTimeout)
		defer cancel()
		if _, err := s.SweepOnce(ctx); err != nil {
			logger.Error(ctx, "sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	logger.Info(context.Background(), "sweeper started", zap.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	logger.Info(context.Background(), "sweeper stopped")
}

// SweepOnce runs the three recovery passes and reports what changed.
func (s *Sweeper) SweepOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.sweepStuck(ctx, &stats); err != nil {
		return stats, err
	}
	if err := s.sweepOrphans(ctx, &stats); err != nil {
		return stats, err
	}
	if err := s.sweepFailed(ctx, &stats); err != nil {
		return stats, err
	}
	if stats.Stuck+stats.Orphaned+stats.Retried+stats.Exhausted > 0 {
		logger.Info(ctx, "sweep recovered submissions",
			zap.Int("stuck", stats.Stuck),
			zap.Int("orphaned", stats.Orphaned),
			zap.Int("retried", stats.Retried),
			zap.Int("exhausted", stats.Exhausted))
	}
	return stats, nil
}

// sweepStuck resets running submissions whose claim is older than
// StuckAfter, whatever their worker claims about being alive.
func (s *Sweeper) sweepStuck(ctx context.Context, stats *Stats) error {
	cutoff := time.Now().UTC().Add(-s.cfg.StuckAfter)
	subs, err := s.repo.FindStuckRunning(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		n, err := s.recover(ctx, sub, model.StatusRunning)
		if err != nil {
			return err
		}
		stats.Stuck += n
		if n == 0 && sub.RecoveryCount >= s.cfg.MaxRecoveries {
			stats.Exhausted++
		}
	}
	return nil
}

// sweepOrphans resets running submissions whose worker heartbeat is gone.
// Without a liveness cache only the slower stuck pass applies.
func (s *Sweeper) sweepOrphans(ctx context.Context, stats *Stats) error {
	if s.cache == nil {
		return nil
	}
	subs, err := s.repo.FindRunning(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	grace := time.Now().UTC().Add(-s.cfg.OrphanGrace)
	for _, sub := range subs {
		if sub.WorkerID == "" || sub.StartedAt == nil || sub.StartedAt.After(grace) {
			continue
		}
		alive, err := s.cache.Exists(ctx, worker.HeartbeatKey(sub.WorkerID))
		if err != nil {
			// Liveness unknown; leave the row for the stuck pass.
			logger.Warn(ctx, "heartbeat check failed",
				zap.String("worker_id", sub.WorkerID), zap.Error(err))
			continue
		}
		if alive > 0 {
			continue
		}
		n, err := s.recover(ctx, sub, model.StatusRunning)
		if err != nil {
			return err
		}
		stats.Orphaned += n
		if n == 0 && sub.RecoveryCount >= s.cfg.MaxRecoveries {
			stats.Exhausted++
		}
	}
	return nil
}

// sweepFailed retries infrastructure failures below the recovery cap.
func (s *Sweeper) sweepFailed(ctx context.Context, stats *Stats) error {
	subs, err := s.repo.FindRetriableFailed(ctx, s.cfg.MaxRecoveries, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		n, err := s.recover(ctx, sub, model.StatusFailed)
		if err != nil {
			return err
		}
		stats.Retried += n
	}
	return nil
}

// recover resets one submission to pending, or fails it permanently once
// the cap is exhausted. Returns how many rows were reset (0 or 1).
func (s *Sweeper) recover(ctx context.Context, sub *model.Submission, from model.Status) (int, error) {
	if sub.RecoveryCount >= s.cfg.MaxRecoveries {
		changed, err := s.repo.ForceFail(ctx, sub.ID, "recovery cap exhausted", from)
		if err != nil {
			return 0, err
		}
		if changed {
			logger.Warn(ctx, "submission exhausted recovery cap",
				zap.String("submission_id", sub.ID),
				zap.Int("recovery_count", sub.RecoveryCount))
		}
		return 0, nil
	}

	reset, err := s.repo.ResetToPending(ctx, sub.ID, from)
	if err != nil {
		return 0, err
	}
	if !reset {
		return 0, nil
	}
	logger.Info(ctx, "submission returned to queue",
		zap.String("submission_id", sub.ID),
		zap.String("from", string(from)),
		zap.String("worker_id", sub.WorkerID),
		zap.Int("recovery_count", sub.RecoveryCount+1))
	sub.Status = model.StatusPending
	if err := s.events.PublishRecovered(ctx, sub); err != nil {
		logger.Warn(ctx, "publish recovered event failed",
			zap.String("submission_id", sub.ID), zap.Error(err))
	}
	return 1, nil
}
