// Package executor runs the commands workers claim from the shared queue.
//
// An Executor never fails: refusals, timeouts, and non-zero exits come back
// as result text so the caller can record them and move on.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/armada/internal/batch"
	"github.com/Iron-Ham/armada/internal/logging"
)

// Executor runs one command and returns its output or an explanation of why
// it produced none.
type Executor interface {
	Execute(ctx context.Context, command string) string
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, command string) string

// Execute calls f.
func (f Func) Execute(ctx context.Context, command string) string {
	return f(ctx, command)
}

// Defaults.
const (
	DefaultTimeout   = 10 * time.Minute
	DefaultShell     = "/bin/sh"
	DefaultMaxOutput = 256 * 1024
)

// Result prefixes for commands that did not run.
const (
	BlockedDangerous = "BLOCKED: dangerous command"
	BlockedTool      = "BLOCKED: tool not allowed"
)

// Shell runs commands through a POSIX shell, optionally under a
// pseudo-terminal so tools that insist on a TTY behave.
type Shell struct {
	shell     string
	timeout   time.Duration
	usePTY    bool
	allow     *Allowlist
	logDir    string
	maxOutput int
	env       []string

	count  atomic.Int64
	logger *logging.Logger
}

// Option configures a Shell.
type Option func(*Shell)

// WithTimeout bounds each command.
func WithTimeout(d time.Duration) Option {
	return func(s *Shell) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithShell sets the shell binary invoked as "<shell> -c <command>".
func WithShell(path string) Option {
	return func(s *Shell) {
		if path != "" {
			s.shell = path
		}
	}
}

// WithPTY runs commands attached to a pseudo-terminal.
func WithPTY(enabled bool) Option {
	return func(s *Shell) {
		s.usePTY = enabled
	}
}

// WithAllowlist restricts which tools may run. A nil allowlist allows all.
func WithAllowlist(a *Allowlist) Option {
	return func(s *Shell) {
		s.allow = a
	}
}

// WithLogDir writes a transcript of every execution under dir.
func WithLogDir(dir string) Option {
	return func(s *Shell) {
		s.logDir = dir
	}
}

// WithMaxOutput caps the bytes of output returned per command.
func WithMaxOutput(n int) Option {
	return func(s *Shell) {
		if n > 0 {
			s.maxOutput = n
		}
	}
}

// WithEnv appends environment variables to every command.
func WithEnv(env ...string) Option {
	return func(s *Shell) {
		s.env = append(s.env, env...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Shell) {
		s.logger = l
	}
}

// NewShell creates a Shell executor with the default allowlist.
func NewShell(opts ...Option) *Shell {
	s := &Shell{
		shell:     DefaultShell,
		timeout:   DefaultTimeout,
		allow:     DefaultAllowlist(),
		maxOutput: DefaultMaxOutput,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).WithComponent("executor")
	return s
}

// Execute runs command, stripping any RUN prefix.
func (s *Shell) Execute(ctx context.Context, command string) string {
	cmd := batch.StripPrefix(command)
	if cmd == "" {
		return "no command given"
	}
	if IsDangerous(cmd) {
		s.logger.Warn("blocked dangerous command", "command", cmd)
		return BlockedDangerous
	}
	if !s.allow.Allowed(cmd) {
		tool := batch.Tool(cmd)
		s.logger.Warn("blocked tool", "tool", tool)
		return fmt.Sprintf("%s: %s", BlockedTool, tool)
	}

	n := s.count.Add(1)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	var stdout, stderr string
	var err error
	if s.usePTY {
		stdout, err = s.runPTY(ctx, cmd)
	} else {
		stdout, stderr, err = s.runPipes(ctx, cmd)
	}
	elapsed := time.Since(start)

	result := s.format(ctx, stdout, stderr, err)
	s.logger.Debug("command finished",
		"command", cmd,
		"duration", elapsed,
		"bytes", len(result),
		"error", err,
	)
	s.writeTranscript(n, cmd, stdout, stderr, err)
	return result
}

func (s *Shell) command(ctx context.Context, cmd string) *exec.Cmd {
	c := exec.CommandContext(ctx, s.shell, "-c", cmd) //nolint:gosec // commands are allowlisted above
	c.Env = append(os.Environ(), s.env...)
	c.WaitDelay = 2 * time.Second
	return c
}

func (s *Shell) runPipes(ctx context.Context, cmd string) (string, string, error) {
	c := s.command(ctx, cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &limitedWriter{buf: &stdout, max: s.maxOutput}
	c.Stderr = &limitedWriter{buf: &stderr, max: s.maxOutput}
	err := c.Run()
	return stdout.String(), stderr.String(), err
}

func (s *Shell) format(ctx context.Context, stdout, stderr string, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("command timed out after %s", s.timeout)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return "command cancelled"
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Sprintf("execution error: %v", err)
	}

	switch {
	case stdout == "" && stderr != "":
		return "Output:\n\n\nErrors:\n" + stderr
	case stdout != "":
		return stdout
	case exitErr != nil:
		return fmt.Sprintf("exit status %d with no output", exitErr.ExitCode())
	default:
		return ""
	}
}

func (s *Shell) writeTranscript(n int64, cmd, stdout, stderr string, runErr error) {
	if s.logDir == "" {
		return
	}
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		s.logger.Warn("create transcript dir", "error", err)
		return
	}
	var b strings.Builder
	sep := strings.Repeat("=", 80)
	fmt.Fprintf(&b, "%s\nTimestamp: %s\nCommand: %s\n%s\n", sep, time.Now().Format(time.RFC3339), cmd, sep)
	if stdout != "" {
		fmt.Fprintf(&b, "\n--- STDOUT ---\n%s\n", stdout)
	}
	if stderr != "" {
		fmt.Fprintf(&b, "\n--- STDERR ---\n%s\n", stderr)
	}
	if runErr != nil {
		fmt.Fprintf(&b, "\n--- ERROR ---\n%v\n", runErr)
	}
	path := filepath.Join(s.logDir, fmt.Sprintf("exec_%04d.log", n))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		s.logger.Warn("write transcript", "path", path, "error", err)
	}
}

// limitedWriter keeps the first max bytes and discards the rest while
// reporting full writes so the child never blocks.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
