// Package admission decides whether a new submission may enter the queue.
package admission

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gavel/internal/common/cache"
	"gavel/internal/judge/repository"
	appErr "gavel/pkg/errors"
	"gavel/pkg/logger"
)

const admissionKeyPrefix = "gavel:admission:"

// Config bounds how many submissions a user may enter per window.
type Config struct {
	MaxPerWindow int           `yaml:"maxPerWindow"`
	Window       time.Duration `yaml:"window"`
	CacheTimeout time.Duration `yaml:"cacheTimeout"`
}

func DefaultConfig() Config {
	return Config{
		MaxPerWindow: 30,
		Window:       time.Minute,
		CacheTimeout: 200 * time.Millisecond,
	}
}

// Guard enforces the per-user submission ceiling. A Redis fixed-window
// counter pre-checks bursts; the store count is the authority. A cache
// outage degrades to the store path instead of blocking intake.
type Guard struct {
	cache cache.BasicOps
	repo  repository.SubmissionRepository
	cfg   Config
}

func NewGuard(cacheClient cache.BasicOps, repo repository.SubmissionRepository, cfg Config) *Guard {
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = DefaultConfig().MaxPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = DefaultConfig().CacheTimeout
	}
	return &Guard{cache: cacheClient, repo: repo, cfg: cfg}
}

// Admit returns nil when the user may submit, or a TooManyRequests error
// once the window ceiling is reached.
func (g *Guard) Admit(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return appErr.ValidationError("user_id", "required")
	}

	if g.cache != nil {
		count, err := g.bumpWindow(ctx, userID)
		if err != nil {
			logger.Warn(ctx, "admission cache check failed, falling back to store",
				zap.Int64("user_id", userID), zap.Error(err))
		} else if count > int64(g.cfg.MaxPerWindow) {
			return appErr.Newf(appErr.TooManyRequests, "user %d exceeded %d submissions per %s", userID, g.cfg.MaxPerWindow, g.cfg.Window)
		}
	}

	since := time.Now().UTC().Add(-g.cfg.Window)
	recent, err := g.repo.CountRecentByUser(ctx, userID, since)
	if err != nil {
		return err
	}
	if recent >= g.cfg.MaxPerWindow {
		return appErr.Newf(appErr.TooManyRequests, "user %d exceeded %d submissions per %s", userID, g.cfg.MaxPerWindow, g.cfg.Window)
	}
	return nil
}

// bumpWindow increments the fixed-window counter, creating it with the
// window TTL on first use.
func (g *Guard) bumpWindow(ctx context.Context, userID int64) (int64, error) {
	key := fmt.Sprintf("%s%d", admissionKeyPrefix, userID)
	cacheCtx, cancel := context.WithTimeout(ctx, g.cfg.CacheTimeout)
	defer cancel()

	acquired, err := g.cache.SetNX(cacheCtx, key, 1, g.cfg.Window)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CacheError, "admission counter failed")
	}
	if acquired {
		return 1, nil
	}
	count, err := g.cache.Incr(cacheCtx, key)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CacheError, "admission counter failed")
	}
	ttl, ttlErr := g.cache.TTL(cacheCtx, key)
	if ttlErr == nil && ttl <= 0 {
		_ = g.cache.Expire(cacheCtx, key, g.cfg.Window)
	}
	return count, nil
}
