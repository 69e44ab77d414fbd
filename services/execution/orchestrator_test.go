package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogStore struct {
	mu           sync.Mutex
	rows         map[uuid.UUID]*Log
	failFinalize bool
}

func newFakeLogStore() *fakeLogStore {
	return &fakeLogStore{rows: make(map[uuid.UUID]*Log)}
}

func (s *fakeLogStore) Create(_ context.Context, entry *Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[entry.ID]; ok {
		return ErrConflict
	}
	clone := *entry
	s.rows[entry.ID] = &clone
	return nil
}

func (s *fakeLogStore) Finalize(_ context.Context, id uuid.UUID, status Status, output, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFinalize {
		return errors.New("storage unavailable")
	}
	row, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if Status(row.Status).Terminal() {
		return nil
	}
	row.Status = status
	row.Output = output
	row.Error = errMsg
	row.CompletedAt = &completedAt
	return nil
}

func (s *fakeLogStore) GetByID(_ context.Context, id uuid.UUID) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (s *fakeLogStore) ListByPOC(_ context.Context, pocID uuid.UUID, _ int) ([]Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var logs []Log
	for _, row := range s.rows {
		if row.POCID == pocID {
			logs = append(logs, *row)
		}
	}
	return logs, nil
}

func (s *fakeLogStore) get(id uuid.UUID) Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

type fakeResolver struct {
	pocs map[uuid.UUID]POCRef
}

func (r *fakeResolver) ResolvePOC(_ context.Context, id uuid.UUID) (*POCRef, error) {
	poc, ok := r.pocs[id]
	if !ok {
		return nil, fmt.Errorf("poc %s: %w", id, ErrNotFound)
	}
	return &poc, nil
}

func newTestOrchestrator(t *testing.T, store *fakeLogStore, pocID uuid.UUID) (*Orchestrator, *Broker) {
	t.Helper()

	broker := NewBroker()
	orch, err := NewOrchestrator(OrchestratorConfig{
		Store:  store,
		POCs:   &fakeResolver{pocs: map[uuid.UUID]POCRef{pocID: {ID: pocID, Name: "test-poc"}}},
		Runner: NewRunner(nil),
		Broker: broker,
	})
	require.NoError(t, err)
	return orch, broker
}

func waitTerminal(t *testing.T, store *fakeLogStore, id uuid.UUID) Log {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.get(id).Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	return store.get(id)
}

func TestExecuteEchoScenario(t *testing.T) {
	store := newFakeLogStore()
	pocID := uuid.New()
	orch, broker := newTestOrchestrator(t, store, pocID)

	id, err := orch.Execute(context.Background(), ExecuteRequest{
		POCID:     pocID,
		TargetURL: "https://example.com",
		Command:   `sh -c "sleep 0.2; echo hello {TARGET_URL}"`,
	})
	require.NoError(t, err)

	ch, cancel := broker.Subscribe(id)
	defer cancel()
	events := drain(ch)

	var stdout, terminal []Event
	for _, ev := range events {
		switch {
		case ev.Type == EventStdout:
			stdout = append(stdout, ev)
		case ev.Type.Terminal():
			terminal = append(terminal, ev)
		}
	}
	require.Len(t, stdout, 1)
	assert.Contains(t, stdout[0].Message, "hello https://example.com")
	require.Len(t, terminal, 1, "exactly one terminal event")
	assert.Equal(t, EventComplete, terminal[0].Type)
	assert.Equal(t, terminal[0], events[len(events)-1], "terminal event must be last")

	row := waitTerminal(t, store, id)
	assert.Equal(t, StatusSuccess, row.Status)
	assert.Contains(t, row.Output, "hello https://example.com")
	assert.NotNil(t, row.CompletedAt)
}

func TestExecuteFailureScenario(t *testing.T) {
	store := newFakeLogStore()
	pocID := uuid.New()
	orch, broker := newTestOrchestrator(t, store, pocID)

	id, err := orch.Execute(context.Background(), ExecuteRequest{
		POCID:     pocID,
		TargetURL: "https://example.com",
		Command:   `sh -c "sleep 0.2; exit 1"`,
	})
	require.NoError(t, err)

	ch, cancel := broker.Subscribe(id)
	defer cancel()
	events := drain(ch)

	require.NotEmpty(t, events)
	assert.Equal(t, EventError, events[len(events)-1].Type)

	row := waitTerminal(t, store, id)
	assert.Equal(t, StatusFailed, row.Status)
	assert.Contains(t, row.Error, "exit code 1")
}

func TestExecuteTimeoutScenario(t *testing.T) {
	store := newFakeLogStore()
	pocID := uuid.New()
	orch, _ := newTestOrchestrator(t, store, pocID)

	start := time.Now()
	id, err := orch.Execute(context.Background(), ExecuteRequest{
		POCID:     pocID,
		TargetURL: "https://example.com",
		Command:   "sleep 10",
		Timeout:   100 * time.Millisecond,
	})
	require.NoError(t, err)

	row := waitTerminal(t, store, id)
	assert.Equal(t, StatusTimeout, row.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecuteUnknownPOC(t *testing.T) {
	store := newFakeLogStore()
	orch, _ := newTestOrchestrator(t, store, uuid.New())

	_, err := orch.Execute(context.Background(), ExecuteRequest{
		POCID:     uuid.New(),
		TargetURL: "https://example.com",
		Command:   "echo hi",
	})
	require.ErrorIs(t, err, ErrNotFound)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.rows, "no log row may be created for a rejected request")
}

func TestExecuteValidation(t *testing.T) {
	store := newFakeLogStore()
	pocID := uuid.New()
	orch, _ := newTestOrchestrator(t, store, pocID)

	cases := []ExecuteRequest{
		{POCID: pocID, TargetURL: "not a url", Command: "echo hi"},
		{POCID: pocID, TargetURL: "", Command: "echo hi"},
		{POCID: pocID, TargetURL: "https://example.com", Command: "   "},
		{POCID: uuid.Nil, TargetURL: "https://example.com", Command: "echo hi"},
	}
	for _, req := range cases {
		_, err := orch.Execute(context.Background(), req)
		assert.ErrorIs(t, err, ErrValidation, "request %+v", req)
	}
}

func TestExecuteIndependentExecutions(t *testing.T) {
	store := newFakeLogStore()
	pocID := uuid.New()
	orch, _ := newTestOrchestrator(t, store, pocID)

	idA, err := orch.Execute(context.Background(), ExecuteRequest{
		POCID:     pocID,
		TargetURL: "https://a.example.com",
		Command:   "echo token-alpha {TARGET_URL}",
	})
	require.NoError(t, err)

	idB, err := orch.Execute(context.Background(), ExecuteRequest{
		POCID:     pocID,
		TargetURL: "https://b.example.com",
		Command:   "echo token-bravo {TARGET_URL}",
	})
	require.NoError(t, err)

	require.NotEqual(t, idA, idB)

	rowA := waitTerminal(t, store, idA)
	rowB := waitTerminal(t, store, idB)

	assert.Contains(t, rowA.Output, "token-alpha")
	assert.NotContains(t, rowA.Output, "token-bravo")
	assert.Contains(t, rowB.Output, "token-bravo")
	assert.NotContains(t, rowB.Output, "token-alpha")
}

func TestExecuteSpawnFailureEmitsSingleError(t *testing.T) {
	store := newFakeLogStore()
	pocID := uuid.New()
	orch, broker := newTestOrchestrator(t, store, pocID)

	id, err := orch.Execute(context.Background(), ExecuteRequest{
		POCID:     pocID,
		TargetURL: "https://example.com",
		Command:   "definitely-not-a-binary-xyz",
	})
	require.NoError(t, err, "execute returns the id; spawn failure surfaces asynchronously")

	row := waitTerminal(t, store, id)
	assert.Equal(t, StatusFailed, row.Status)
	assert.Contains(t, row.Error, "spawn")

	// Topic is closed after the terminal event: late subscriber sees nothing.
	ch, cancel := broker.Subscribe(id)
	defer cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestHandleReleasedOnImmediateExit(t *testing.T) {
	store := newFakeLogStore()
	pocID := uuid.New()
	orch, _ := newTestOrchestrator(t, store, pocID)

	// Spawn failures finalize almost instantly, racing handle registration.
	ids := make([]uuid.UUID, 0, 50)
	for i := 0; i < 50; i++ {
		id, err := orch.Execute(context.Background(), ExecuteRequest{
			POCID:     pocID,
			TargetURL: "https://example.com",
			Command:   "definitely-not-a-binary-xyz",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		waitTerminal(t, store, id)
	}
	for _, id := range ids {
		id := id
		require.Eventually(t, func() bool {
			return errors.Is(orch.Cancel(id), ErrNotFound)
		}, 5*time.Second, 10*time.Millisecond,
			"handle for finished execution %s must be released", id)
	}
}

func TestFinalizeFailureStillEmitsTerminalEvent(t *testing.T) {
	store := newFakeLogStore()
	pocID := uuid.New()
	orch, broker := newTestOrchestrator(t, store, pocID)
	store.failFinalize = true

	id, err := orch.Execute(context.Background(), ExecuteRequest{
		POCID:     pocID,
		TargetURL: "https://example.com",
		Command:   `sh -c "sleep 0.2; echo done"`,
	})
	require.NoError(t, err)

	ch, cancel := broker.Subscribe(id)
	defer cancel()
	events := drain(ch)

	require.NotEmpty(t, events, "terminal event fires even when the durable write fails")
	assert.True(t, events[len(events)-1].Type.Terminal())
}

func TestCancelExecution(t *testing.T) {
	store := newFakeLogStore()
	pocID := uuid.New()
	orch, _ := newTestOrchestrator(t, store, pocID)

	id, err := orch.Execute(context.Background(), ExecuteRequest{
		POCID:     pocID,
		TargetURL: "https://example.com",
		Command:   "sleep 10",
	})
	require.NoError(t, err)

	require.NoError(t, orch.Cancel(id))

	row := waitTerminal(t, store, id)
	assert.Equal(t, StatusCancelled, row.Status)

	// The handle is released once the execution is finalized.
	require.Eventually(t, func() bool {
		return errors.Is(orch.Cancel(id), ErrNotFound)
	}, 5*time.Second, 20*time.Millisecond)
}
