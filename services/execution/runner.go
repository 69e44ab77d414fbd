package execution

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

// DefaultTimeout bounds an execution when the caller does not supply one.
const DefaultTimeout = 30 * time.Second

// StreamKind identifies which half-stream a captured line arrived on.
type StreamKind string

const (
	StreamStdout StreamKind = "STDOUT"
	StreamStderr StreamKind = "STDERR"
)

// Result describes how a runner invocation ended. ExitCode is -1 when the
// process never ran or was killed before exiting on its own.
type Result struct {
	Status   Status
	ExitCode int
	Err      string
}

// RunOptions carries the callback contract for one invocation. OnOutput is
// called once per captured line; ordering is preserved within each stream but
// not between stdout and stderr. OnExit is called exactly once in all paths.
type RunOptions struct {
	Timeout  time.Duration
	OnOutput func(kind StreamKind, line string)
	OnExit   func(res Result)
}

// Handle allows cooperative cancellation of an in-flight invocation.
type Handle struct {
	once   sync.Once
	cancel chan struct{}
}

// Cancel asks the runner to terminate the child process. The runner still
// delivers OnExit (with StatusCancelled) after the process is reaped.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.cancel) })
}

// Runner executes exactly one external command per invocation with a bounded
// lifetime and line-wise output streaming.
type Runner struct {
	logger *log.Logger
	tracer trace.Tracer
}

// NewRunner creates a Runner that logs through the provided logger.
func NewRunner(logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		logger: logger,
		tracer: otel.Tracer("reconx-execution-runner"),
	}
}

// NewHandle allocates a cancellation handle that is not yet bound to a
// process. Callers that index handles allocate one here and register it
// before StartWithHandle, so OnExit can never outrun the registration.
func NewHandle() *Handle {
	return &Handle{cancel: make(chan struct{})}
}

// Start spawns the command asynchronously and returns a cancellation handle.
// The command is split into argv with shell quoting rules; no shell is
// involved, so substituted target URLs are never interpolated.
func (r *Runner) Start(command string, opts RunOptions) *Handle {
	h := NewHandle()
	r.StartWithHandle(command, opts, h)
	return h
}

// StartWithHandle spawns the command against a caller-allocated handle.
// Cancelling the handle before the process comes up kills it on arrival.
func (r *Runner) StartWithHandle(command string, opts RunOptions, h *Handle) {
	if opts.OnOutput == nil {
		opts.OnOutput = func(StreamKind, string) {}
	}
	if opts.OnExit == nil {
		opts.OnExit = func(Result) {}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	go r.run(command, opts, h)
}

func (r *Runner) run(command string, opts RunOptions, h *Handle) {
	_, span := r.tracer.Start(context.Background(), "execution.runner.run")
	span.SetAttributes(
		attribute.String("exec.command", command),
		attribute.String("exec.timeout", opts.Timeout.String()),
	)
	defer span.End()

	argv, err := shellquote.Split(command)
	if err != nil {
		span.SetStatus(codes.Error, "unparsable command")
		opts.OnExit(Result{Status: StatusFailed, ExitCode: -1, Err: fmt.Sprintf("parse command: %v", err)})
		return
	}
	if len(argv) == 0 {
		span.SetStatus(codes.Error, "empty command")
		opts.OnExit(Result{Status: StatusFailed, ExitCode: -1, Err: "empty command"})
		return
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	// Own process group so timeout/cancel can reap grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		opts.OnExit(Result{Status: StatusFailed, ExitCode: -1, Err: fmt.Sprintf("stdout pipe: %v", err)})
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		opts.OnExit(Result{Status: StatusFailed, ExitCode: -1, Err: fmt.Sprintf("stderr pipe: %v", err)})
		return
	}

	if err := cmd.Start(); err != nil {
		span.SetStatus(codes.Error, "spawn failed")
		span.RecordError(err)
		opts.OnExit(Result{Status: StatusFailed, ExitCode: -1, Err: fmt.Sprintf("spawn: %v", err)})
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(stdout, StreamStdout, &wg, opts.OnOutput)
	go streamLines(stderr, StreamStderr, &wg, opts.OnOutput)

	waited := make(chan error, 1)
	go func() {
		wg.Wait()
		waited <- cmd.Wait()
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	var res Result
	select {
	case err := <-waited:
		res = resultFromWait(err)
	case <-timer.C:
		r.kill(cmd)
		<-waited
		res = Result{Status: StatusTimeout, ExitCode: -1, Err: fmt.Sprintf("timed out after %s", opts.Timeout)}
	case <-h.cancel:
		r.kill(cmd)
		<-waited
		res = Result{Status: StatusCancelled, ExitCode: -1, Err: "cancelled"}
	}

	if res.Status != StatusSuccess {
		span.SetStatus(codes.Error, res.Err)
	}
	span.SetAttributes(attribute.Int("exec.exit_code", res.ExitCode))
	opts.OnExit(res)
}

// kill terminates the whole process group; falls back to the direct process
// when the group signal fails (e.g. the child already changed groups).
func (r *Runner) kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		if killErr := cmd.Process.Kill(); killErr != nil {
			r.logger.Printf("WARN kill pid %d: %v", cmd.Process.Pid, killErr)
		}
	}
}

func streamLines(pipe io.Reader, kind StreamKind, wg *sync.WaitGroup, onOutput func(StreamKind, string)) {
	defer wg.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := sanitizeLine(scanner.Text())
		if line == "" {
			continue
		}
		onOutput(kind, line)
	}
}

func resultFromWait(err error) Result {
	if err == nil {
		return Result{Status: StatusSuccess, ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{
			Status:   StatusFailed,
			ExitCode: exitErr.ExitCode(),
			Err:      fmt.Sprintf("exit code %d", exitErr.ExitCode()),
		}
	}
	return Result{Status: StatusFailed, ExitCode: -1, Err: err.Error()}
}
