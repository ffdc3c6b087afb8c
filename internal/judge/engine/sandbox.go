// Package engine executes submissions against test cases inside an isolated
// sandbox and produces per-case outcomes.
package engine

import "context"

// RunStatus classifies how a sandboxed process finished. Limit breaches are
// signalled by the isolation layer, never inferred from exit codes.
type RunStatus string

const (
	RunStatusOK          RunStatus = "ok"
	RunStatusNonZeroExit RunStatus = "nonzero_exit"
	RunStatusSignalled   RunStatus = "signalled"
	RunStatusTimeout     RunStatus = "timeout"
	RunStatusOOM         RunStatus = "oom"
	RunStatusOutputLimit RunStatus = "output_limit"
)

// FileSpec is a file materialized inside the sandbox before the command
// runs.
type FileSpec struct {
	Path    string
	Content []byte
	Mode    uint32
}

// Task describes one sandboxed command invocation. Every Task runs in a
// freshly provisioned environment; nothing carries over between runs except
// what the caller passes through Files/Collect.
type Task struct {
	Argv          []string
	Stdin         string
	TimeLimitMs   int64
	MemoryLimitMB int64

	// Files are written into the environment before execution.
	Files []FileSpec

	// Collect names paths whose contents are read back after a normal
	// exit (e.g. a compiled binary).
	Collect []string
}

// RunResult captures raw sandbox execution data.
type RunResult struct {
	Status   RunStatus
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimeMs   int64
	MemoryKB int64

	// Files holds collected path contents, keyed by path.
	Files map[string][]byte
}

// Sandbox is the externally provided isolation layer. Implementations must
// kill on limit breach and report it through RunResult.Status; an error
// return means the environment itself could not be provisioned or operated,
// never a property of the judged program.
type Sandbox interface {
	Run(ctx context.Context, task Task) (RunResult, error)
	Close() error
}
