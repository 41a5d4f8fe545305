//go:build linux || darwin || freebsd || netbsd || openbsd

package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit/internal/protocol"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestExecutor(t *testing.T, timeout time.Duration, dirs ...string) *Executor {
	t.Helper()
	resolver, err := NewResolver(append(dirs, DefaultSystemDirs...)...)
	require.NoError(t, err)
	exec, err := New(Options{Resolver: resolver, Timeout: timeout})
	require.NoError(t, err)
	return exec
}

func TestExecutor_Success(t *testing.T) {
	trusted := t.TempDir()
	writeScript(t, trusted, "greet", `echo "hello $1"`)

	exec := newTestExecutor(t, 5*time.Second, trusted)
	result := exec.Run(context.Background(), protocol.CommandRequest{TraceID: "t1", Command: "greet", Args: []string{"world"}})

	assert.True(t, result.OK, result.Message)
	assert.Equal(t, "t1", result.TraceID)
	assert.Equal(t, "hello world\n", result.Data.Stdout)
	require.NotNil(t, result.Data.ExitCode)
	assert.Equal(t, 0, *result.Data.ExitCode)
}

func TestExecutor_NonZeroExitKeepsOutput(t *testing.T) {
	trusted := t.TempDir()
	writeScript(t, trusted, "fail", "echo partial; echo 'disk missing' >&2; exit 3")

	exec := newTestExecutor(t, 5*time.Second, trusted)
	result := exec.Run(context.Background(), protocol.CommandRequest{TraceID: "t2", Command: "fail"})

	assert.False(t, result.OK)
	assert.Contains(t, result.Message, "exited with code 3")
	assert.Contains(t, result.Message, "disk missing")
	assert.Equal(t, "partial\n", result.Data.Stdout)
	require.NotNil(t, result.Data.ExitCode)
	assert.Equal(t, 3, *result.Data.ExitCode)
}

func TestExecutor_NotFound(t *testing.T) {
	exec := newTestExecutor(t, time.Second, t.TempDir())
	result := exec.Run(context.Background(), protocol.CommandRequest{TraceID: "t3", Command: "definitely-not-a-command"})

	assert.False(t, result.OK)
	assert.Contains(t, result.Message, "command not found")
	assert.Equal(t, "t3", result.TraceID)
}

func TestExecutor_Timeout(t *testing.T) {
	trusted := t.TempDir()
	writeScript(t, trusted, "hang", "sleep 30")

	exec := newTestExecutor(t, 200*time.Millisecond, trusted)

	started := time.Now()
	result := exec.Run(context.Background(), protocol.CommandRequest{TraceID: "t4", Command: "hang"})

	assert.False(t, result.OK)
	assert.Contains(t, result.Message, "timed out")
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Nil(t, result.Data.ExitCode)
}

func TestExecutor_Cancelled(t *testing.T) {
	trusted := t.TempDir()
	writeScript(t, trusted, "hang", "sleep 30")

	exec := newTestExecutor(t, time.Minute, trusted)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	result := exec.Run(ctx, protocol.CommandRequest{TraceID: "t5", Command: "hang"})

	assert.False(t, result.OK)
	assert.Contains(t, result.Message, "cancelled")
	assert.Nil(t, result.Data.ExitCode)
}

func TestExecutor_LocalFileCannotShadowTrustedCommand(t *testing.T) {
	trusted := t.TempDir()
	writeScript(t, trusted, "probe", "echo trusted probe")

	workDir := t.TempDir()
	writeScript(t, workDir, "probe", "echo my probe.js")
	t.Chdir(workDir)
	t.Setenv("PATH", "."+string(os.PathListSeparator)+workDir)

	exec := newTestExecutor(t, 5*time.Second, trusted)
	result := exec.Run(context.Background(), protocol.CommandRequest{TraceID: "t6", Command: "probe"})

	require.True(t, result.OK, result.Message)
	assert.Equal(t, "trusted probe\n", result.Data.Stdout)
	assert.NotContains(t, result.Data.Stdout, "my probe.js")
}

func TestExecutor_LocalFileOnlyIsNotExecuted(t *testing.T) {
	workDir := t.TempDir()
	writeScript(t, workDir, "only-here", "echo my only-here.js")
	t.Chdir(workDir)
	t.Setenv("PATH", ".")

	exec := newTestExecutor(t, 5*time.Second, t.TempDir())

	for _, name := range []string{"only-here", "./only-here", filepath.Join(workDir, "only-here")} {
		result := exec.Run(context.Background(), protocol.CommandRequest{TraceID: "t7", Command: name})
		assert.False(t, result.OK, name)
		assert.NotContains(t, result.Data.Stdout, "my only-here.js", name)
	}
}

func TestExecutor_ChildPathIsTrustedPath(t *testing.T) {
	trusted := t.TempDir()
	writeScript(t, trusted, "showpath", `echo "$PATH"`)
	t.Setenv("PATH", ".")

	exec := newTestExecutor(t, 5*time.Second, trusted)
	result := exec.Run(context.Background(), protocol.CommandRequest{TraceID: "t8", Command: "showpath"})

	require.True(t, result.OK, result.Message)
	assert.Contains(t, result.Data.Stdout, trusted)
	assert.NotContains(t, result.Data.Stdout, ".:")
}

func TestExecutor_OutputIsCapped(t *testing.T) {
	trusted := t.TempDir()
	writeScript(t, trusted, "chatty", "i=0; while [ $i -lt 200 ]; do echo 0123456789; i=$((i+1)); done")

	resolver, err := NewResolver(append([]string{trusted}, DefaultSystemDirs...)...)
	require.NoError(t, err)
	exec, err := New(Options{Resolver: resolver, Timeout: 5 * time.Second, MaxOutput: 100})
	require.NoError(t, err)

	result := exec.Run(context.Background(), protocol.CommandRequest{TraceID: "t9", Command: "chatty"})
	require.True(t, result.OK, result.Message)
	assert.Contains(t, result.Data.Stdout, "[output truncated]")
	assert.Less(t, len(result.Data.Stdout), 200)
}
