package execution

import (
	"time"

	"github.com/google/uuid"
)

// Status tracks the lifecycle of a single POC execution attempt.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further status transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout || s == StatusCancelled
}

// EventType classifies a single message on an execution's log stream.
type EventType string

const (
	EventStart    EventType = "START"
	EventStdout   EventType = "STDOUT"
	EventStderr   EventType = "STDERR"
	EventComplete EventType = "COMPLETE"
	EventError    EventType = "ERROR"
)

// Terminal reports whether the event closes the stream for its execution.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is one message on the per-execution broadcast stream. Events are
// transient: late subscribers reconstruct history from the persisted log.
type Event struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Type        EventType `json:"type"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}
