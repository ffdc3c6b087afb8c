package engine

import (
	"context"

	"gavel/internal/judge/language"
	"gavel/internal/judge/model"
	appErr "gavel/pkg/errors"
)

const (
	// defaultCompileTimeMs bounds compilation independently of per-test
	// limits so pathological user compiles cannot stall a worker.
	defaultCompileTimeMs   = 30_000
	defaultCompileMemoryMB = 1024

	// defaultOutputCapBytes truncates captured stdout/stderr per case.
	defaultOutputCapBytes = 64 << 10

	binaryFileMode = 0755
	sourceFileMode = 0644
)

// Config holds engine tunables.
type Config struct {
	CompileTimeMs   int64 `yaml:"compileTimeMs"`
	CompileMemoryMB int64 `yaml:"compileMemoryMb"`
	OutputCapBytes  int   `yaml:"outputCapBytes"`
}

// Engine runs a submission's compile/run workflow through a Sandbox.
type Engine struct {
	registry *language.Registry
	sandbox  Sandbox
	cfg      Config
}

// Outcome is the raw execution result handed to the verdict aggregator.
// When Compiled is false no cases were run and CompileLog explains why.
type Outcome struct {
	Compiled   bool
	CompileLog string
	Cases      []model.CaseResult
}

// New creates an engine. Zero config fields fall back to defaults.
func New(registry *language.Registry, sandbox Sandbox, cfg Config) (*Engine, error) {
	if registry == nil {
		return nil, appErr.New(appErr.JudgeSystemError).WithMessage("language registry is required")
	}
	if sandbox == nil {
		return nil, appErr.New(appErr.JudgeSystemError).WithMessage("sandbox is required")
	}
	if cfg.CompileTimeMs <= 0 {
		cfg.CompileTimeMs = defaultCompileTimeMs
	}
	if cfg.CompileMemoryMB <= 0 {
		cfg.CompileMemoryMB = defaultCompileMemoryMB
	}
	if cfg.OutputCapBytes <= 0 {
		cfg.OutputCapBytes = defaultOutputCapBytes
	}
	return &Engine{registry: registry, sandbox: sandbox, cfg: cfg}, nil
}

// Execute judges source code against the ordered test cases under the given
// limits. Cases are independent: a failing case never aborts the rest, so
// the caller always receives complete diagnostics. The only early exits are
// a failed compile (overall CE, no cases run) and ctx cancellation.
//
// Errors returned here are infrastructure faults (sandbox provisioning,
// ctx cancellation), never judging outcomes.
func (e *Engine) Execute(ctx context.Context, source, lang string, limits model.Limits, cases []model.TestCase) (Outcome, error) {
	cfg, err := e.registry.Resolve(lang)
	if err != nil {
		return Outcome{}, err
	}

	runFiles := []FileSpec{{Path: cfg.SourcePath(), Content: []byte(source), Mode: sourceFileMode}}

	if len(cfg.Compile) > 0 {
		compileRes, err := e.sandbox.Run(ctx, Task{
			Argv:          cfg.Compile,
			TimeLimitMs:   e.cfg.CompileTimeMs,
			MemoryLimitMB: e.cfg.CompileMemoryMB,
			Files:         runFiles,
			Collect:       []string{language.BinaryPath},
		})
		if err != nil {
			return Outcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "compile sandbox failed")
		}
		if compileRes.Status != RunStatusOK {
			return Outcome{
				Compiled:   false,
				CompileLog: e.truncate(string(compileRes.Stderr)),
			}, nil
		}
		binary, ok := compileRes.Files[language.BinaryPath]
		if !ok {
			return Outcome{}, appErr.New(appErr.SandboxUnavailable).WithMessage("compiled binary missing from sandbox")
		}
		runFiles = []FileSpec{{Path: language.BinaryPath, Content: binary, Mode: binaryFileMode}}
	}

	outcome := Outcome{Compiled: true, Cases: make([]model.CaseResult, 0, len(cases))}
	for _, tc := range cases {
		if err := ctx.Err(); err != nil {
			return Outcome{}, appErr.Wrapf(err, appErr.JudgeSystemError, "execution cancelled")
		}

		res, err := e.sandbox.Run(ctx, Task{
			Argv:          cfg.Run,
			Stdin:         tc.Input,
			TimeLimitMs:   limits.TimeMs,
			MemoryLimitMB: limits.MemoryMB,
			Files:         runFiles,
		})
		if err != nil {
			return Outcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "run sandbox failed on case %d", tc.Index)
		}

		outcome.Cases = append(outcome.Cases, e.caseResult(tc, res))
	}
	return outcome, nil
}

func (e *Engine) caseResult(tc model.TestCase, res RunResult) model.CaseResult {
	// Comparison sees the full captured output; the cap only bounds what
	// is retained in the stored result. The sandbox's own capture limit
	// is a hard bound on what can be compared at all.
	stdout := string(res.Stdout)
	cr := model.CaseResult{
		Index:      tc.Index,
		Input:      tc.Input,
		Expected:   tc.Expected,
		Stdout:     e.truncate(stdout),
		Stderr:     e.truncate(string(res.Stderr)),
		TimeMs:     res.TimeMs,
		MemoryKB:   res.MemoryKB,
		Visibility: tc.Visibility,
	}

	switch res.Status {
	case RunStatusOK:
		if OutputsMatch(stdout, tc.Expected) {
			cr.Status = model.VerdictAC
		} else {
			cr.Status = model.VerdictWA
		}
	case RunStatusTimeout:
		cr.Status = model.VerdictTLE
	case RunStatusOOM:
		cr.Status = model.VerdictMLE
	default:
		// nonzero exit, signal, output limit
		cr.Status = model.VerdictRE
	}
	return cr
}

func (e *Engine) truncate(s string) string {
	if len(s) <= e.cfg.OutputCapBytes {
		return s
	}
	return s[:e.cfg.OutputCapBytes]
}
