package admission_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"gavel/internal/common/cache"
	"gavel/internal/judge/admission"
	"gavel/internal/judge/model"
	"gavel/internal/judge/repository"
	appErr "gavel/pkg/errors"
)

func newRedisCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, mr
}

var subSeq atomic.Int64

func persistSubmissions(t *testing.T, repo repository.SubmissionRepository, userID int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		sub := &model.Submission{
			ID:         fmt.Sprintf("u%d-sub-%d", userID, subSeq.Add(1)),
			ProblemID:  1,
			UserID:     userID,
			Language:   "go",
			SourceCode: "package main",
		}
		if err := repo.Create(context.Background(), sub); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
}

func TestAdmitUnderCeiling(t *testing.T) {
	c, _ := newRedisCache(t)
	repo := repository.NewMemorySubmissionRepository()
	guard := admission.NewGuard(c, repo, admission.Config{MaxPerWindow: 5, Window: time.Minute})

	for i := 0; i < 5; i++ {
		if err := guard.Admit(context.Background(), 42); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		persistSubmissions(t, repo, 42, 1)
	}
}

func TestAdmitRejectsAtStoreCeiling(t *testing.T) {
	c, _ := newRedisCache(t)
	repo := repository.NewMemorySubmissionRepository()
	guard := admission.NewGuard(c, repo, admission.Config{MaxPerWindow: 3, Window: time.Minute})

	persistSubmissions(t, repo, 7, 3)
	err := guard.Admit(context.Background(), 7)
	if !appErr.Is(err, appErr.TooManyRequests) {
		t.Fatalf("expected too many requests, got %v", err)
	}
}

func TestAdmitBurstRejectedByCounter(t *testing.T) {
	c, _ := newRedisCache(t)
	// Empty store, so only the window counter can reject.
	repo := repository.NewMemorySubmissionRepository()
	guard := admission.NewGuard(c, repo, admission.Config{MaxPerWindow: 3, Window: time.Minute})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := guard.Admit(ctx, 9); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	err := guard.Admit(ctx, 9)
	if !appErr.Is(err, appErr.TooManyRequests) {
		t.Fatalf("expected burst rejection, got %v", err)
	}
}

func TestAdmitWindowExpiry(t *testing.T) {
	c, mr := newRedisCache(t)
	repo := repository.NewMemorySubmissionRepository()
	guard := admission.NewGuard(c, repo, admission.Config{MaxPerWindow: 2, Window: time.Minute})

	ctx := context.Background()
	if err := guard.Admit(ctx, 5); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := guard.Admit(ctx, 5); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := guard.Admit(ctx, 5); !appErr.Is(err, appErr.TooManyRequests) {
		t.Fatalf("expected rejection inside window, got %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if err := guard.Admit(ctx, 5); err != nil {
		t.Fatalf("expected admission after window expiry, got %v", err)
	}
}

func TestAdmitFallsBackWhenCacheDown(t *testing.T) {
	c, mr := newRedisCache(t)
	repo := repository.NewMemorySubmissionRepository()
	guard := admission.NewGuard(c, repo, admission.Config{MaxPerWindow: 2, Window: time.Minute})

	mr.Close()
	// Store is under the ceiling, so the guard must still admit.
	if err := guard.Admit(context.Background(), 11); err != nil {
		t.Fatalf("expected store fallback to admit, got %v", err)
	}

	persistSubmissions(t, repo, 11, 2)
	err := guard.Admit(context.Background(), 11)
	if !appErr.Is(err, appErr.TooManyRequests) {
		t.Fatalf("expected store ceiling to reject, got %v", err)
	}
}

func TestAdmitRejectsInvalidUser(t *testing.T) {
	repo := repository.NewMemorySubmissionRepository()
	guard := admission.NewGuard(nil, repo, admission.DefaultConfig())
	if err := guard.Admit(context.Background(), 0); err == nil {
		t.Fatal("expected validation error for user id 0")
	}
}
