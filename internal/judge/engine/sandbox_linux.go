//go:build linux

package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/criyle/go-sandbox/container"
	"github.com/criyle/go-sandbox/pkg/cgroup"
	"github.com/criyle/go-sandbox/pkg/mount"
	"github.com/criyle/go-sandbox/pkg/rlimit"
	"github.com/criyle/go-sandbox/runner"
	"golang.org/x/sys/unix"

	appErr "gavel/pkg/errors"
)

var (
	containerInitOnce sync.Once
	rootCG            cgroup.Cgroup
	rootCGErr         error
)

func initContainers(cgroupName string) error {
	containerInitOnce.Do(func() {
		container.Init()
		if cgroup.DetectType() == cgroup.TypeV2 {
			cgroup.EnableV2Nesting()
		}
		ct, err := cgroup.GetAvailableController()
		if err != nil {
			rootCGErr = fmt.Errorf("cgroup.GetAvailableController: %w", err)
			return
		}
		rootCG, rootCGErr = cgroup.New(cgroupName, ct)
	})
	return rootCGErr
}

// SandboxConfig holds settings for the container-pool sandbox.
type SandboxConfig struct {
	PoolSize   int    `yaml:"poolSize"`
	CgroupName string `yaml:"cgroupName"`
	// OutputCapBytes bounds captured stdout/stderr per run.
	OutputCapBytes int64 `yaml:"outputCapBytes"`
}

type containerEnv struct {
	container.Environment
	workDir string
}

// containerSandbox implements Sandbox with a fixed pool of namespaced
// containers. Each Run resets a container before use, so no filesystem
// state leaks between runs.
type containerSandbox struct {
	cfg        SandboxConfig
	containers chan *containerEnv
}

// NewSandbox creates the Linux container sandbox and provisions its pool.
func NewSandbox(cfg SandboxConfig) (Sandbox, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.CgroupName == "" {
		cfg.CgroupName = "gavel"
	}
	if cfg.OutputCapBytes <= 0 {
		cfg.OutputCapBytes = 64 << 10
	}
	if err := initContainers(cfg.CgroupName); err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxUnavailable, "init container support failed")
	}
	s := &containerSandbox{
		cfg:        cfg,
		containers: make(chan *containerEnv, cfg.PoolSize),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		env, err := s.buildContainer()
		if err != nil {
			s.Close()
			return nil, appErr.Wrapf(err, appErr.SandboxUnavailable, "provision container failed")
		}
		s.containers <- env
	}
	return s, nil
}

func (s *containerSandbox) Close() error {
	for {
		select {
		case c := <-s.containers:
			c.Destroy()
			os.RemoveAll(c.workDir)
		default:
			return nil
		}
	}
}

func (s *containerSandbox) Run(ctx context.Context, task Task) (RunResult, error) {
	var env *containerEnv
	select {
	case env = <-s.containers:
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
	defer func() {
		env.Reset()
		s.containers <- env
	}()

	if err := env.Reset(); err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "reset container failed")
	}
	if err := s.writeFiles(env, task.Files); err != nil {
		return RunResult{}, err
	}
	if err := env.Ping(); err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "ping container failed")
	}

	res, err := s.execute(ctx, env, task)
	if err != nil {
		return RunResult{}, err
	}

	if res.Status == RunStatusOK && len(task.Collect) > 0 {
		res.Files = make(map[string][]byte, len(task.Collect))
		for _, path := range task.Collect {
			data, err := s.readFile(env, path)
			if err != nil {
				return RunResult{}, err
			}
			res.Files[path] = data
		}
	}
	return res, nil
}

func (s *containerSandbox) execute(ctx context.Context, env *containerEnv, task Task) (RunResult, error) {
	cg, err := rootCG.Random("run")
	if err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "create cgroup failed")
	}
	defer cg.Destroy()

	if task.MemoryLimitMB > 0 {
		_ = cg.SetMemoryLimit(uint64(task.MemoryLimitMB) << 20)
	}
	cgDir, err := cg.Open()
	if err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "open cgroup fd failed")
	}
	defer cgDir.Close()

	timeout := time.Duration(task.TimeLimitMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "create stdin pipe failed")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return RunResult{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "create stdout pipe failed")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return RunResult{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "create stderr pipe failed")
	}

	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	var wg sync.WaitGroup
	wg.Add(2)

	syncFunc := func(pid int) error {
		if err := cg.AddProc(pid); err != nil {
			return err
		}
		go writePipe(runCtx, stdinW, task.Stdin)
		go readPipe(&wg, runCtx, stdoutR, stdout, s.cfg.OutputCapBytes)
		go readPipe(&wg, runCtx, stderrR, stderr, s.cfg.OutputCapBytes)
		return nil
	}

	rlims := rlimit.RLimits{
		CPU:      uint64(timeout.Seconds()) + 1,
		CPUHard:  uint64(timeout.Seconds()) + 2,
		FileSize: uint64(s.cfg.OutputCapBytes),
		Stack:    128 << 20,
		OpenFile: 256,
	}
	if task.MemoryLimitMB > 0 {
		rlims.Data = uint64(task.MemoryLimitMB) << 20
	}

	res := env.Execve(runCtx, container.ExecveParam{
		Args:     task.Argv,
		Env:      []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=/box"},
		Files:    []uintptr{stdinR.Fd(), stdoutW.Fd(), stderrW.Fd()},
		RLimits:  rlims.PrepareRLimit(),
		SyncFunc: syncFunc,
		CgroupFD: cgDir.Fd(),
	})

	stdinR.Close()
	stdinW.Close()
	stdoutW.Close()
	stderrW.Close()
	wg.Wait()
	stdoutR.Close()
	stderrR.Close()

	out := RunResult{
		ExitCode: res.ExitStatus,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		TimeMs:   int64(res.Time / time.Millisecond),
		MemoryKB: int64(res.Memory >> 10),
	}
	if cpu, err := cg.CPUUsage(); err == nil {
		out.TimeMs = int64(time.Duration(cpu) / time.Millisecond)
	}
	if mem, err := cg.MemoryMaxUsage(); err == nil {
		out.MemoryKB = int64(mem >> 10)
	}

	switch res.Status {
	case runner.StatusNormal:
		if res.ExitStatus == 0 {
			out.Status = RunStatusOK
		} else {
			out.Status = RunStatusNonZeroExit
		}
	case runner.StatusTimeLimitExceeded:
		out.Status = RunStatusTimeout
	case runner.StatusMemoryLimitExceeded:
		out.Status = RunStatusOOM
	case runner.StatusOutputLimitExceeded:
		out.Status = RunStatusOutputLimit
	case runner.StatusSignalled:
		out.Status = RunStatusSignalled
	case runner.StatusNonzeroExitStatus:
		out.Status = RunStatusNonZeroExit
	case runner.StatusRunnerError:
		return RunResult{}, appErr.Newf(appErr.SandboxUnavailable, "container runner error: %v", res.Error)
	default:
		out.Status = RunStatusSignalled
	}

	// The wall clock expired but the runner saw a normal exit: the kill
	// raced the exit, count it as a timeout.
	if runCtx.Err() == context.DeadlineExceeded && out.Status == RunStatusOK {
		out.Status = RunStatusTimeout
	}
	return out, nil
}

func (s *containerSandbox) writeFiles(env *containerEnv, files []FileSpec) error {
	for _, f := range files {
		mode := f.Mode
		if mode == 0 {
			mode = 0644
		}
		opened, err := env.Open([]container.OpenCmd{
			{Path: f.Path, Flag: os.O_WRONLY | os.O_CREATE | os.O_TRUNC, Perm: os.FileMode(mode)},
		})
		if err != nil {
			return appErr.Wrapf(err, appErr.SandboxUnavailable, "open %s in container failed", f.Path)
		}
		_, err = io.Copy(opened[0], bytes.NewReader(f.Content))
		opened[0].Close()
		if err != nil {
			return appErr.Wrapf(err, appErr.SandboxUnavailable, "write %s in container failed", f.Path)
		}
	}
	return nil
}

func (s *containerSandbox) readFile(env *containerEnv, path string) ([]byte, error) {
	opened, err := env.Open([]container.OpenCmd{
		{Path: path, Flag: os.O_RDONLY},
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxUnavailable, "open %s in container failed", path)
	}
	defer opened[0].Close()
	data, err := io.ReadAll(opened[0])
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxUnavailable, "read %s in container failed", path)
	}
	return data, nil
}

func (s *containerSandbox) buildContainer() (*containerEnv, error) {
	workDir, err := os.MkdirTemp("", "gavel-container-")
	if err != nil {
		return nil, fmt.Errorf("create container workdir failed: %w", err)
	}

	mb := mount.NewBuilder().
		WithBind("/bin", "bin", true).
		WithBind("/lib", "lib", true).
		WithBind("/lib64", "lib64", true).
		WithBind("/usr", "usr", true).
		WithBind("/etc/ld.so.cache", "/etc/ld.so.cache", true).
		WithProc().
		WithBind("/dev/null", "dev/null", false).
		WithTmpfs("tmp", "size=128m,nr_inodes=4k").
		WithTmpfs("box", "size=256m,nr_inodes=8k").
		FilterNotExist()

	cloneFlag := unix.CLONE_NEWIPC | unix.CLONE_NEWNET | unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUSER | unix.CLONE_NEWUTS

	b := container.Builder{
		Root:          workDir,
		WorkDir:       "/box",
		Mounts:        mb.Mounts,
		Stderr:        os.Stderr,
		CredGenerator: newCredGen(),
		CloneFlags:    uintptr(cloneFlag),
	}
	env, err := b.Build()
	if err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("build container failed: %w", err)
	}
	return &containerEnv{Environment: env, workDir: workDir}, nil
}

func readPipe(wg *sync.WaitGroup, ctx context.Context, pipe *os.File, out io.Writer, maxSize int64) {
	defer wg.Done()
	var copied int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
			n, err := io.CopyN(out, pipe, 1024)
			copied += n
			if maxSize > 0 && copied >= maxSize {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

func writePipe(ctx context.Context, pipe *os.File, in string) {
	defer pipe.Close()
	reader := bytes.NewBufferString(in)
	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			io.CopyBuffer(pipe, reader, buf)
			if reader.Len() == 0 {
				return
			}
		}
	}
}

type credGen struct {
	cur uint32
}

func newCredGen() *credGen {
	return &credGen{cur: 10000}
}

func (c *credGen) Get() syscall.Credential {
	n := atomic.AddUint32(&c.cur, 1)
	return syscall.Credential{
		Uid: n,
		Gid: n,
	}
}
