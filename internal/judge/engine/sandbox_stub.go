//go:build !linux

package engine

import (
	"context"

	appErr "gavel/pkg/errors"
)

// SandboxConfig holds settings for the container-pool sandbox.
type SandboxConfig struct {
	PoolSize   int    `yaml:"poolSize"`
	CgroupName string `yaml:"cgroupName"`
	// OutputCapBytes bounds captured stdout/stderr per run.
	OutputCapBytes int64 `yaml:"outputCapBytes"`
}

type stubSandbox struct{}

// NewSandbox returns a sandbox that rejects every run. Namespaced
// execution requires Linux; other platforms can still host the web and
// sweeper roles.
func NewSandbox(_ SandboxConfig) (Sandbox, error) {
	return stubSandbox{}, nil
}

func (stubSandbox) Run(_ context.Context, _ Task) (RunResult, error) {
	return RunResult{}, appErr.New(appErr.SandboxUnavailable).WithMessage("sandboxed execution is only supported on linux")
}

func (stubSandbox) Close() error { return nil }
