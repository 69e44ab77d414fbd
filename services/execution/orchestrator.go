package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// TargetPlaceholder is substituted with the target URL when it appears in a
// POC command template.
const TargetPlaceholder = "{TARGET_URL}"

const (
	// ExecutionStartedSubject and ExecutionFinishedSubject mirror execution
	// lifecycle onto the event bus for cross-service consumers.
	ExecutionStartedSubject  = "reconx.executions.started"
	ExecutionFinishedSubject = "reconx.executions.finished"

	stderrTailLines = 5
)

// POCRef is the slice of a POC definition the orchestrator needs.
type POCRef struct {
	ID      uuid.UUID
	Name    string
	Command string
}

// POCResolver checks that the referenced POC exists and yields its stored
// command template. Implementations return ErrNotFound for unknown ids.
type POCResolver interface {
	ResolvePOC(ctx context.Context, id uuid.UUID) (*POCRef, error)
}

// PublishFunc mirrors lifecycle payloads onto the event bus. Bus failures are
// advisory only and never affect the execution itself.
type PublishFunc func(subject string, payload map[string]any)

// OutputArchiver receives the final output of a terminal execution for
// long-term storage outside the row.
type OutputArchiver interface {
	ArchiveOutput(ctx context.Context, id uuid.UUID, output string)
}

// ExecuteRequest is the validated input of Execute.
type ExecuteRequest struct {
	POCID     uuid.UUID
	TargetURL string `validate:"required,url"`
	Command   string
	Params    map[string]any
	Timeout   time.Duration
}

// Orchestrator is the single entry point turning an execution request into a
// running process, a broadcast stream, and a traceable log row.
type Orchestrator struct {
	store    LogStore
	pocs     POCResolver
	runner   *Runner
	broker   *Broker
	logger   *log.Logger
	validate *validator.Validate
	publish  PublishFunc
	archiver OutputArchiver
	timeout  time.Duration

	handles sync.Map // uuid.UUID -> *Handle
}

// OrchestratorConfig wires the orchestrator's collaborators. Publish and
// Archiver are optional.
type OrchestratorConfig struct {
	Store    LogStore
	POCs     POCResolver
	Runner   *Runner
	Broker   *Broker
	Logger   *log.Logger
	Publish  PublishFunc
	Archiver OutputArchiver
	Timeout  time.Duration
}

// NewOrchestrator validates the configuration and returns an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("log store is required")
	}
	if cfg.POCs == nil {
		return nil, errors.New("poc resolver is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	cfg.Broker.SetSubscriberGauge(func(delta int) {
		logSubscribers.Add(float64(delta))
	})

	return &Orchestrator{
		store:    cfg.Store,
		pocs:     cfg.POCs,
		runner:   cfg.Runner,
		broker:   cfg.Broker,
		logger:   cfg.Logger,
		validate: validator.New(),
		publish:  cfg.Publish,
		archiver: cfg.Archiver,
		timeout:  cfg.Timeout,
	}, nil
}

// Execute admits the request and returns the execution id immediately; the
// process runs asynchronously. Callers observe progress by subscribing to the
// broker (live tail) or polling the log store (history).
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (uuid.UUID, error) {
	if req.POCID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("poc id is required: %w", ErrValidation)
	}
	if err := o.validate.Struct(req); err != nil {
		return uuid.Nil, fmt.Errorf("%v: %w", err, ErrValidation)
	}

	poc, err := o.pocs.ResolvePOC(ctx, req.POCID)
	if err != nil {
		return uuid.Nil, err
	}

	template := strings.TrimSpace(req.Command)
	if template == "" {
		template = strings.TrimSpace(poc.Command)
	}
	if template == "" {
		return uuid.Nil, fmt.Errorf("command is required: %w", ErrValidation)
	}
	resolved := strings.ReplaceAll(template, TargetPlaceholder, req.TargetURL)

	id := uuid.New()
	executedAt := time.Now().UTC()
	entry := &Log{
		ID:         id,
		POCID:      req.POCID,
		TargetURL:  req.TargetURL,
		Command:    resolved,
		Status:     StatusRunning,
		Params:     req.Params,
		ExecutedAt: executedAt,
	}
	if err := o.store.Create(ctx, entry); err != nil {
		return uuid.Nil, fmt.Errorf("create execution log: %w", err)
	}

	o.broker.Open(id)
	o.emit(id, EventStart, fmt.Sprintf("executing %s against %s", poc.Name, req.TargetURL))
	o.publishJSON(ExecutionStartedSubject, map[string]any{
		"execution_id": id,
		"poc_id":       req.POCID,
		"target_url":   req.TargetURL,
		"status":       StatusRunning,
		"executed_at":  executedAt,
	})

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.timeout
	}

	var (
		outputMu   sync.Mutex
		output     strings.Builder
		stderrTail []string
	)

	// Register the handle before the process launches so a short-lived
	// execution cannot finalize (and release the handle) first.
	handle := NewHandle()
	o.handles.Store(id, handle)

	o.runner.StartWithHandle(resolved, RunOptions{
		Timeout: timeout,
		OnOutput: func(kind StreamKind, line string) {
			outputMu.Lock()
			// Interleave by arrival time, tagging stderr lines so the two
			// half-streams stay distinguishable in the stored output.
			if kind == StreamStderr {
				output.WriteString("[stderr] ")
				stderrTail = append(stderrTail, line)
				if len(stderrTail) > stderrTailLines {
					stderrTail = stderrTail[1:]
				}
			}
			output.WriteString(line)
			output.WriteByte('\n')
			outputMu.Unlock()

			eventType := EventStdout
			if kind == StreamStderr {
				eventType = EventStderr
			}
			o.emit(id, eventType, line)
		},
		OnExit: func(res Result) {
			outputMu.Lock()
			finalOutput := output.String()
			tail := strings.Join(stderrTail, "\n")
			outputMu.Unlock()
			o.finalize(id, executedAt, res, finalOutput, tail)
		},
	}, handle)

	return id, nil
}

// Cancel requests termination of an in-flight execution.
func (o *Orchestrator) Cancel(id uuid.UUID) error {
	v, ok := o.handles.Load(id)
	if !ok {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	v.(*Handle).Cancel()
	return nil
}

// finalize persists the terminal state and publishes the terminal event. The
// two concerns are independent: a failed durable write never leaves live
// subscribers hanging without a terminal event.
func (o *Orchestrator) finalize(id uuid.UUID, executedAt time.Time, res Result, output, stderrTail string) {
	defer o.handles.Delete(id)

	completedAt := time.Now().UTC()

	errMsg := res.Err
	if res.Status == StatusFailed && stderrTail != "" {
		errMsg = fmt.Sprintf("%s; stderr: %s", res.Err, stderrTail)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.store.Finalize(ctx, id, res.Status, output, errMsg, completedAt); err != nil {
		o.logger.Printf("ERROR finalize execution %s: %v", id, err)
	}

	if res.Status == StatusSuccess {
		o.emit(id, EventComplete, fmt.Sprintf("execution finished with code %d", res.ExitCode))
	} else {
		o.emit(id, EventError, errMsg)
	}
	o.broker.CloseTopic(id)

	if o.archiver != nil && output != "" {
		o.archiver.ArchiveOutput(ctx, id, output)
	}

	o.publishJSON(ExecutionFinishedSubject, map[string]any{
		"execution_id": id,
		"status":       res.Status,
		"exit_code":    res.ExitCode,
		"completed_at": completedAt,
	})

	executionsTotal.WithLabelValues(string(res.Status)).Inc()
	executionDuration.Observe(completedAt.Sub(executedAt).Seconds())
}

func (o *Orchestrator) emit(id uuid.UUID, t EventType, message string) {
	o.broker.Publish(Event{
		ExecutionID: id,
		Type:        t,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	})
}

func (o *Orchestrator) publishJSON(subject string, payload map[string]any) {
	if o.publish == nil {
		return
	}
	o.publish(subject, payload)
}
