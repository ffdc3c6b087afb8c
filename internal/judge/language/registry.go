// Package language maps language identifiers to their compile and run
// command vectors. The registry is fixed at process start and performs no
// I/O; the execution engine writes source to the canonical sandbox path
// before invoking the vectors.
package language

import (
	"sort"

	"github.com/google/shlex"

	appErr "gavel/pkg/errors"
)

// Canonical in-sandbox paths referenced by command vectors. The engine
// provisions them per run; the registry only names them.
const (
	SourceDir  = "/box"
	BinaryPath = "/box/Main"
)

// Config describes one supported language.
type Config struct {
	// ID is the language identifier accepted in submissions.
	ID string `yaml:"id"`

	// Extension is appended to the canonical source path (e.g. "cpp"
	// yields /box/Main.cpp).
	Extension string `yaml:"extension"`

	// Compile is the compile argument vector. Empty for interpreted
	// languages.
	Compile []string `yaml:"compile"`

	// Run is the run argument vector.
	Run []string `yaml:"run"`
}

// SourcePath returns the canonical sandbox path the source file is written
// to before any command vector runs.
func (c Config) SourcePath() string {
	if c.Extension == "" {
		return BinaryPath
	}
	return BinaryPath + "." + c.Extension
}

// Entry is the YAML shape of one registry entry. Compile and Run accept
// either a single command string (split with shlex) or an explicit vector.
type Entry struct {
	ID        string   `yaml:"id"`
	Extension string   `yaml:"extension"`
	Compile   string   `yaml:"compile"`
	Run       string   `yaml:"run"`
	CompileV  []string `yaml:"compileArgs"`
	RunV      []string `yaml:"runArgs"`
}

// Registry resolves language identifiers to configs. Read-only after
// construction.
type Registry struct {
	configs map[string]Config
}

// NewRegistry builds a registry from config entries. Entries replace
// defaults with the same ID.
func NewRegistry(entries []Entry) (*Registry, error) {
	configs := make(map[string]Config, len(defaultConfigs)+len(entries))
	for id, cfg := range defaultConfigs {
		configs[id] = cfg
	}
	for _, entry := range entries {
		cfg, err := entry.toConfig()
		if err != nil {
			return nil, err
		}
		configs[cfg.ID] = cfg
	}
	return &Registry{configs: configs}, nil
}

// Resolve returns the config for a language identifier.
func (r *Registry) Resolve(language string) (Config, error) {
	if language == "" {
		return Config{}, appErr.ValidationError("language", "required")
	}
	cfg, ok := r.configs[language]
	if !ok {
		return Config{}, appErr.Newf(appErr.LanguageNotSupported, "language not supported: %s", language)
	}
	return cfg, nil
}

// Supported returns the sorted list of supported language identifiers.
func (r *Registry) Supported() []string {
	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e Entry) toConfig() (Config, error) {
	if e.ID == "" {
		return Config{}, appErr.ValidationError("language.id", "required")
	}
	cfg := Config{
		ID:        e.ID,
		Extension: e.Extension,
		Compile:   e.CompileV,
		Run:       e.RunV,
	}
	if len(cfg.Compile) == 0 && e.Compile != "" {
		argv, err := shlex.Split(e.Compile)
		if err != nil {
			return Config{}, appErr.Wrapf(err, appErr.ValidationFailed, "parse compile command for %s failed", e.ID)
		}
		cfg.Compile = argv
	}
	if len(cfg.Run) == 0 && e.Run != "" {
		argv, err := shlex.Split(e.Run)
		if err != nil {
			return Config{}, appErr.Wrapf(err, appErr.ValidationFailed, "parse run command for %s failed", e.ID)
		}
		cfg.Run = argv
	}
	if len(cfg.Run) == 0 {
		return Config{}, appErr.ValidationError("language.run", "required")
	}
	return cfg, nil
}

var defaultConfigs = map[string]Config{
	"c": {
		ID:        "c",
		Extension: "c",
		Compile:   []string{"/usr/bin/gcc", "-O2", "-std=c17", "-o", BinaryPath, BinaryPath + ".c"},
		Run:       []string{BinaryPath},
	},
	"cpp": {
		ID:        "cpp",
		Extension: "cpp",
		Compile:   []string{"/usr/bin/g++", "-O2", "-std=c++17", "-o", BinaryPath, BinaryPath + ".cpp"},
		Run:       []string{BinaryPath},
	},
	"go": {
		ID:        "go",
		Extension: "go",
		Compile:   []string{"/usr/local/go/bin/go", "build", "-o", BinaryPath, BinaryPath + ".go"},
		Run:       []string{BinaryPath},
	},
	"python": {
		ID:        "python",
		Extension: "py",
		Run:       []string{"/usr/bin/python3", BinaryPath + ".py"},
	},
}
