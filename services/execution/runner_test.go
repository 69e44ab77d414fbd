package execution

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedLine struct {
	kind StreamKind
	line string
}

func runAndWait(t *testing.T, command string, timeout time.Duration) ([]capturedLine, Result) {
	t.Helper()

	var (
		mu    sync.Mutex
		lines []capturedLine
	)
	done := make(chan Result, 1)

	runner := NewRunner(nil)
	runner.Start(command, RunOptions{
		Timeout: timeout,
		OnOutput: func(kind StreamKind, line string) {
			mu.Lock()
			lines = append(lines, capturedLine{kind: kind, line: line})
			mu.Unlock()
		},
		OnExit: func(res Result) { done <- res },
	})

	select {
	case res := <-done:
		mu.Lock()
		defer mu.Unlock()
		return lines, res
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not exit")
		return nil, Result{}
	}
}

func TestRunnerSuccess(t *testing.T) {
	lines, res := runAndWait(t, "echo hello world", time.Second)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	require.Len(t, lines, 1)
	assert.Equal(t, StreamStdout, lines[0].kind)
	assert.Equal(t, "hello world", lines[0].line)
}

func TestRunnerNonZeroExit(t *testing.T) {
	_, res := runAndWait(t, `sh -c "exit 3"`, time.Second)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Err, "exit code 3")
}

func TestRunnerStderrTagged(t *testing.T) {
	lines, res := runAndWait(t, `sh -c "echo oops 1>&2"`, time.Second)

	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, lines, 1)
	assert.Equal(t, StreamStderr, lines[0].kind)
	assert.Equal(t, "oops", lines[0].line)
}

func TestRunnerTimeout(t *testing.T) {
	start := time.Now()
	_, res := runAndWait(t, "sleep 10", 100*time.Millisecond)

	assert.Equal(t, StatusTimeout, res.Status)
	assert.Less(t, time.Since(start), 2*time.Second, "timeout must fire within a bounded grace period")
}

func TestRunnerCancel(t *testing.T) {
	done := make(chan Result, 1)

	runner := NewRunner(nil)
	handle := runner.Start("sleep 10", RunOptions{
		Timeout: 30 * time.Second,
		OnExit:  func(res Result) { done <- res },
	})

	time.Sleep(50 * time.Millisecond)
	handle.Cancel()
	handle.Cancel() // idempotent

	select {
	case res := <-done:
		assert.Equal(t, StatusCancelled, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not terminate the process")
	}
}

func TestRunnerEmptyCommand(t *testing.T) {
	lines, res := runAndWait(t, "   ", time.Second)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, lines)
}

func TestRunnerMissingBinary(t *testing.T) {
	lines, res := runAndWait(t, "definitely-not-a-binary-xyz", time.Second)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Err, "spawn")
	assert.Empty(t, lines, "no output events may precede a spawn failure")
}

func TestRunnerExitFiresOnce(t *testing.T) {
	var calls int
	done := make(chan struct{})

	runner := NewRunner(nil)
	handle := runner.Start("sleep 10", RunOptions{
		Timeout: 100 * time.Millisecond,
		OnExit: func(Result) {
			calls++
			close(done)
		},
	})

	// Cancel races the timeout; OnExit must still fire exactly once.
	handle.Cancel()

	<-done
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, calls)
}

func TestSanitizeLine(t *testing.T) {
	assert.Equal(t, "red text", sanitizeLine("\x1b[31mred text\x1b[0m"))
	assert.Equal(t, "plain", sanitizeLine("plain"))
	assert.Equal(t, "a�b", sanitizeLine("a\xffb"))
}
