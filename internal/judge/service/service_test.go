package service_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"gavel/internal/common/cache"
	"gavel/internal/judge/language"
	"gavel/internal/judge/model"
	"gavel/internal/judge/repository"
	"gavel/internal/judge/service"
	appErr "gavel/pkg/errors"
)

type denyAll struct{}

func (denyAll) Admit(context.Context, int64) error {
	return appErr.New(appErr.TooManyRequests).WithMessage("window exhausted")
}

// countingRepo counts GetByID calls so cache hits are observable.
type countingRepo struct {
	repository.SubmissionRepository
	gets int64
}

func (r *countingRepo) GetByID(ctx context.Context, id string) (*model.Submission, error) {
	atomic.AddInt64(&r.gets, 1)
	return r.SubmissionRepository.GetByID(ctx, id)
}

func newService(t *testing.T, repo repository.SubmissionRepository, guard service.Authorizer, cacheClient cache.BasicOps) *service.Submissions {
	t.Helper()
	registry, err := language.NewRegistry(nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return service.NewSubmissions(repo, registry, guard, cacheClient, nil, service.Config{})
}

func validRequest() *model.SubmitRequest {
	return &model.SubmitRequest{ProblemID: 1, UserID: 1, Language: "cpp", SourceCode: "int main() {}"}
}

func TestSubmitPersistsPending(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository()
	svc := newService(t, repo, nil, nil)

	sub, err := svc.Submit(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.ID == "" || sub.Status != model.StatusPending {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	stored, err := repo.GetByID(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != model.StatusPending {
		t.Fatalf("expected pending in store, got %s", stored.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository()
	svc := newService(t, repo, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*model.SubmitRequest)
	}{
		{name: "missing problem", mutate: func(r *model.SubmitRequest) { r.ProblemID = 0 }},
		{name: "missing user", mutate: func(r *model.SubmitRequest) { r.UserID = 0 }},
		{name: "empty source", mutate: func(r *model.SubmitRequest) { r.SourceCode = "" }},
		{name: "oversized source", mutate: func(r *model.SubmitRequest) { r.SourceCode = strings.Repeat("a", 300<<10) }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			if _, err := svc.Submit(ctx, req); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSubmitRejectsUnknownLanguage(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository()
	svc := newService(t, repo, nil, nil)

	req := validRequest()
	req.Language = "brainfuck"
	_, err := svc.Submit(context.Background(), req)
	if !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected language rejection, got %v", err)
	}
	// Nothing may reach the queue.
	subs, _, err := repo.List(context.Background(), repository.ListQuery{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("rejected submission was queued: %d rows", len(subs))
	}
}

func TestSubmitHonorsAdmission(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository()
	svc := newService(t, repo, denyAll{}, nil)

	_, err := svc.Submit(context.Background(), validRequest())
	if !appErr.Is(err, appErr.TooManyRequests) {
		t.Fatalf("expected admission denial, got %v", err)
	}
}

func terminalSubmission(t *testing.T, repo repository.SubmissionRepository) *model.Submission {
	t.Helper()
	ctx := context.Background()
	sub := &model.Submission{ID: "s1", ProblemID: 1, UserID: 1, Language: "cpp", SourceCode: "x"}
	if err := repo.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, err := repo.ClaimPendingBatch(ctx, "worker-a", 100)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	token := ""
	for _, c := range claimed {
		if c.ID == sub.ID {
			token = c.ClaimToken
		}
	}
	if token == "" {
		t.Fatalf("claim did not pick up %s", sub.ID)
	}
	result := &model.JudgeResult{
		Total:  3,
		Passed: 2,
		Status: model.VerdictWA,
		Cases: []model.CaseResult{
			{Index: 1, Input: "1\n", Expected: "1\n", Stdout: "1\n", Status: model.VerdictAC, Visibility: model.VisibilitySample},
			{Index: 2, Input: "2\n", Expected: "2\n", Stdout: "2\n", Status: model.VerdictAC, Visibility: model.VisibilityPublic},
			{Index: 3, Input: "3\n", Expected: "3\n", Stdout: "4\n", Stderr: "boom", Status: model.VerdictWA, Visibility: model.VisibilityPrivate},
		},
	}
	if err := repo.MarkDone(ctx, sub.ID, token, result); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	return sub
}

func TestGetRedactsByVisibility(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository()
	svc := newService(t, repo, nil, nil)
	terminalSubmission(t, repo)

	got, err := svc.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	cases := got.Result.Cases

	if cases[0].Input == "" || cases[0].Expected == "" || cases[0].Stdout == "" {
		t.Fatalf("sample case was redacted: %+v", cases[0])
	}
	if cases[1].Input != "" || cases[1].Expected != "" {
		t.Fatalf("public case leaked input/expected: %+v", cases[1])
	}
	if cases[1].Stdout == "" {
		t.Fatalf("public case lost stdout: %+v", cases[1])
	}
	if cases[2].Input != "" || cases[2].Expected != "" || cases[2].Stdout != "" || cases[2].Stderr != "" {
		t.Fatalf("private case leaked data: %+v", cases[2])
	}
	// Verdict and usage stay visible for every case.
	if cases[2].Status != model.VerdictWA {
		t.Fatalf("private case lost verdict: %+v", cases[2])
	}
}

func TestGetCachesTerminalOnly(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer c.Close()

	base := repository.NewMemorySubmissionRepository()
	repo := &countingRepo{SubmissionRepository: base}
	svc := newService(t, repo, nil, c)
	ctx := context.Background()

	// Pending submission: never cached.
	pending := &model.Submission{ID: "p1", ProblemID: 1, UserID: 1, Language: "cpp", SourceCode: "x"}
	if err := base.Create(ctx, pending); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := svc.Get(ctx, "p1"); err != nil {
			t.Fatalf("get pending: %v", err)
		}
	}
	if n := atomic.LoadInt64(&repo.gets); n != 2 {
		t.Fatalf("pending reads must hit the store, got %d store reads", n)
	}

	// Terminal submission: second read served from cache.
	terminalSubmission(t, base)
	before := atomic.LoadInt64(&repo.gets)
	for i := 0; i < 3; i++ {
		got, err := svc.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("get terminal: %v", err)
		}
		if got.Result == nil || got.Result.Status != model.VerdictWA {
			t.Fatalf("cached read lost result: %+v", got)
		}
		// Redaction applies on cache hits too.
		if got.Result.Cases[2].Input != "" {
			t.Fatalf("cache hit leaked private input")
		}
	}
	if n := atomic.LoadInt64(&repo.gets) - before; n != 1 {
		t.Fatalf("expected 1 store read for terminal submission, got %d", n)
	}
}

func TestGetNegativeCaching(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer c.Close()

	base := repository.NewMemorySubmissionRepository()
	repo := &countingRepo{SubmissionRepository: base}
	svc := newService(t, repo, nil, c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Get(ctx, "nope")
		if !appErr.Is(err, appErr.SubmissionNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if n := atomic.LoadInt64(&repo.gets); n != 1 {
		t.Fatalf("expected 1 store read for unknown id, got %d", n)
	}
}
