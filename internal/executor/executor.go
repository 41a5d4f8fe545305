// Package executor runs remotely requested commands on the host.
//
// Resolution goes through a Resolver restricted to trusted directories.
// Every run yields exactly one CommandResult; failures of any kind are
// reported in the result rather than returned.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"transit/internal/protocol"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 1024 * 1024 // 1 MB per stream
	waitDelay        = 2 * time.Second
)

// passthroughEnv lists host variables children inherit. PATH is always
// replaced by the trusted search path.
var passthroughEnv = []string{"HOME", "USER", "LANG", "LC_ALL", "TZ", "TMPDIR"}

// Runner runs one command request to completion.
type Runner interface {
	Run(ctx context.Context, req protocol.CommandRequest) protocol.CommandResult
}

// Options configures an Executor.
type Options struct {
	Resolver  *Resolver
	Timeout   time.Duration
	WorkDir   string
	MaxOutput int
	Logger    *slog.Logger
}

// Executor spawns resolved commands with a bounded run time.
type Executor struct {
	resolver  *Resolver
	timeout   time.Duration
	workDir   string
	maxOutput int
	env       []string
	logger    *slog.Logger
}

// New creates an Executor. A nil Resolver means DefaultSystemDirs.
func New(opts Options) (*Executor, error) {
	resolver := opts.Resolver
	if resolver == nil {
		r, err := NewResolver(DefaultSystemDirs...)
		if err != nil {
			return nil, err
		}
		resolver = r
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxOutput := opts.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	env := []string{"PATH=" + strings.Join(resolver.Dirs(), string(os.PathListSeparator))}
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}

	return &Executor{
		resolver:  resolver,
		timeout:   timeout,
		workDir:   opts.WorkDir,
		maxOutput: maxOutput,
		env:       env,
		logger:    logger.With("component", "executor"),
	}, nil
}

// Run resolves and executes req, returning its result.
func (e *Executor) Run(ctx context.Context, req protocol.CommandRequest) protocol.CommandResult {
	result := protocol.CommandResult{TraceID: req.TraceID}

	binaryPath, err := e.resolver.Resolve(req.Command)
	if err != nil {
		result.Message = err.Error()
		e.logger.Warn("command resolution failed", "trace_id", req.TraceID, "command", req.Command, "error", err)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binaryPath, req.Args...)
	cmd.Dir = e.workDir
	cmd.Env = e.env
	cmd.Stdin = nil
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	stdout := &cappedBuffer{limit: e.maxOutput}
	stderr := &cappedBuffer{limit: e.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	runErr := cmd.Run()

	result.Data = protocol.CommandOutput{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	// A killed process reports no exit code.
	if cmd.ProcessState != nil && ctx.Err() == nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			result.Data.ExitCode = &code
		}
	}

	switch {
	case runErr == nil:
		result.OK = true
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Message = fmt.Sprintf("command %s timed out after %s", req.Command, e.timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		result.Message = fmt.Sprintf("command %s cancelled", req.Command)
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.Message = fmt.Sprintf("command %s exited with code %d", req.Command, exitErr.ExitCode())
			if first := firstLine(result.Data.Stderr); first != "" {
				result.Message += ": " + first
			}
		} else {
			result.Message = fmt.Sprintf("command %s failed to start: %v", req.Command, runErr)
		}
	}

	e.logger.Debug("command finished",
		"trace_id", req.TraceID,
		"command", req.Command,
		"path", binaryPath,
		"ok", result.OK,
		"duration", time.Since(started),
	)
	return result
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// cappedBuffer keeps the first limit bytes written and discards the rest
// so a chatty child cannot exhaust agent memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
