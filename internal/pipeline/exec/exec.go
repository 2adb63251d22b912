// Package exec runs the local toolchain steps of the pipeline: the
// generator script produced by the LLM, reference solution compiles,
// and bounded runs of the solution over generated inputs.
//
// Commands are configured as templates split with shlex; {src} and
// {bin} expand to the source path and the output binary. Every child
// runs in its own process group and is killed as a group on timeout or
// cancellation, so a forking generator cannot outlive its slot.
package exec

import (
	"bytes"
	"context"
	stderrors "errors"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/shlex"

	"ojforge/pkg/errors"
)

// Languages the toolchain understands.
const (
	LangCpp    = "cpp"
	LangPython = "python"
)

// Config carries the command templates and execution ceilings.
type Config struct {
	// CompileCpp builds a C++ source; {src} and {bin} are expanded.
	CompileCpp string
	// RunCpp runs the compiled binary; stdin carries the test input.
	RunCpp string
	// RunPython interprets a Python source directly.
	RunPython string

	CompileTimeout time.Duration
	RunTimeout     time.Duration
	ScriptTimeout  time.Duration

	// OutputLimit caps captured stdout and stderr per run.
	OutputLimit int64
}

// DefaultConfig returns the stock toolchain.
func DefaultConfig() Config {
	return Config{
		CompileCpp:     "g++ -O2 -std=c++17 -o {bin} {src}",
		RunCpp:         "{bin}",
		RunPython:      "python3 {src}",
		CompileTimeout: 30 * time.Second,
		RunTimeout:     10 * time.Second,
		ScriptTimeout:  300 * time.Second,
		OutputLimit:    4 << 20,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.CompileCpp == "" {
		c.CompileCpp = def.CompileCpp
	}
	if c.RunCpp == "" {
		c.RunCpp = def.RunCpp
	}
	if c.RunPython == "" {
		c.RunPython = def.RunPython
	}
	if c.CompileTimeout <= 0 {
		c.CompileTimeout = def.CompileTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = def.RunTimeout
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = def.ScriptTimeout
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = def.OutputLimit
	}
}

// Result is the observable outcome of one child process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Runner executes toolchain commands.
type Runner struct {
	cfg Config
}

// New creates a runner, filling zero config fields with defaults.
func New(cfg Config) *Runner {
	cfg.normalize()
	return &Runner{cfg: cfg}
}

// Command renders a template into an argv, expanding the given
// placeholders. Placeholder values are substituted after splitting so
// paths with spaces survive intact.
func Command(template string, vars map[string]string) ([]string, error) {
	parts, err := shlex.Split(template)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ConfigError, "parse command template %q", template)
	}
	if len(parts) == 0 {
		return nil, errors.Newf(errors.ConfigError, "empty command template")
	}
	argv := make([]string, len(parts))
	for i, p := range parts {
		for key, val := range vars {
			p = strings.ReplaceAll(p, "{"+key+"}", val)
		}
		argv[i] = p
	}
	return argv, nil
}

// Compile builds src into an executable inside dir and returns the
// binary path. Python sources need no build step and return "".
func (r *Runner) Compile(ctx context.Context, lang, src, dir string) (string, error) {
	switch lang {
	case LangPython:
		return "", nil
	case LangCpp:
	default:
		return "", errors.Newf(errors.LocalCompileFailed, "unsupported language %q", lang)
	}
	bin := filepath.Join(dir, "sol.bin")
	argv, err := Command(r.cfg.CompileCpp, map[string]string{"src": src, "bin": bin})
	if err != nil {
		return "", err
	}
	res, err := r.run(ctx, argv, dir, nil, r.cfg.CompileTimeout)
	if err != nil {
		return "", err
	}
	if res.TimedOut {
		return "", errors.Newf(errors.LocalCompileFailed, "compile timed out after %s", r.cfg.CompileTimeout)
	}
	if res.ExitCode != 0 {
		return "", errors.Newf(errors.LocalCompileFailed, "compiler exited with %d", res.ExitCode).
			WithDetail("stderr", truncate(res.Stderr, 2048))
	}
	return bin, nil
}

// Run executes a prepared solution with the given stdin. limit <= 0
// falls back to the configured run timeout.
func (r *Runner) Run(ctx context.Context, lang, src, bin string, stdin []byte, limit time.Duration) (Result, error) {
	var template string
	switch lang {
	case LangCpp:
		template = r.cfg.RunCpp
	case LangPython:
		template = r.cfg.RunPython
	default:
		return Result{}, errors.Newf(errors.LocalRunFailed, "unsupported language %q", lang)
	}
	argv, err := Command(template, map[string]string{"src": src, "bin": bin})
	if err != nil {
		return Result{}, err
	}
	if limit <= 0 {
		limit = r.cfg.RunTimeout
	}
	return r.run(ctx, argv, filepath.Dir(src), stdin, limit)
}

// RunScript executes a Python script with dir as working directory,
// bounded by the script timeout. Generator scripts go through here.
func (r *Runner) RunScript(ctx context.Context, script, dir string, limit time.Duration) (Result, error) {
	argv, err := Command(r.cfg.RunPython, map[string]string{"src": script, "bin": ""})
	if err != nil {
		return Result{}, err
	}
	if limit <= 0 {
		limit = r.cfg.ScriptTimeout
	}
	return r.run(ctx, argv, dir, nil, limit)
}

func (r *Runner) run(ctx context.Context, argv []string, dir string, stdin []byte, limit time.Duration) (Result, error) {
	cmd := osexec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.SysProcAttr = sysProcAttr()
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr cappedBuffer
	stdout.limit = r.cfg.OutputLimit
	stderr.limit = r.cfg.OutputLimit
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, errors.Wrapf(err, errors.LocalRunFailed, "start %s", argv[0])
	}
	applyRlimits(cmd.Process.Pid, limit)

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			killTree(cmd.Process)
		case <-time.After(limit):
			timedOut.Store(true)
			killTree(cmd.Process)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode(waitErr, cmd),
		Duration: time.Since(start),
		TimedOut: timedOut.Load(),
	}
	if err := ctx.Err(); err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return res, errors.Wrap(err, errors.Timeout)
		}
		return res, errors.CancelledError()
	}
	return res, nil
}

func exitCode(err error, cmd *osexec.Cmd) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *osexec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

// cappedBuffer keeps the first limit bytes and drops the rest, so a
// runaway child cannot balloon the parent.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remain := c.limit - int64(c.buf.Len())
	if remain <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remain {
		c.buf.Write(p[:remain])
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) Bytes() []byte { return c.buf.Bytes() }
