package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"reconx/services/execution"
	"reconx/services/scans"
)

type fakeLogStore struct {
	mu    sync.Mutex
	logs  map[uuid.UUID]*execution.Log
	onGet func(id uuid.UUID) // optional, runs before each lookup
}

func newFakeLogStore() *fakeLogStore {
	return &fakeLogStore{logs: make(map[uuid.UUID]*execution.Log)}
}

func (s *fakeLogStore) Create(_ context.Context, entry *execution.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	s.logs[entry.ID] = &clone
	return nil
}

func (s *fakeLogStore) Finalize(_ context.Context, id uuid.UUID, status execution.Status, output, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.logs[id]
	if !ok {
		return execution.ErrNotFound
	}
	if entry.Status.Terminal() {
		return nil
	}
	entry.Status = status
	entry.Output = output
	entry.Error = errMsg
	entry.CompletedAt = &completedAt
	return nil
}

func (s *fakeLogStore) GetByID(_ context.Context, id uuid.UUID) (*execution.Log, error) {
	if s.onGet != nil {
		s.onGet(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.logs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, execution.ErrNotFound)
	}
	clone := *entry
	return &clone, nil
}

func (s *fakeLogStore) ListByPOC(_ context.Context, pocID uuid.UUID, _ int) ([]execution.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []execution.Log
	for _, entry := range s.logs {
		if entry.POCID == pocID {
			out = append(out, *entry)
		}
	}
	return out, nil
}

type fakeResolver struct {
	pocs map[uuid.UUID]*execution.POCRef
}

func (r *fakeResolver) ResolvePOC(_ context.Context, id uuid.UUID) (*execution.POCRef, error) {
	poc, ok := r.pocs[id]
	if !ok {
		return nil, fmt.Errorf("poc %s: %w", id, execution.ErrNotFound)
	}
	return poc, nil
}

type fakeScanStore struct {
	mu    sync.Mutex
	scans map[uuid.UUID]*scans.Scan
}

func newFakeScanStore() *fakeScanStore {
	return &fakeScanStore{scans: make(map[uuid.UUID]*scans.Scan)}
}

func (s *fakeScanStore) Create(_ context.Context, scan *scans.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *scan
	s.scans[scan.ID] = &clone
	return nil
}

func (s *fakeScanStore) GetByID(_ context.Context, id uuid.UUID) (*scans.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[id]
	if !ok {
		return nil, fmt.Errorf("scan %s: %w", id, scans.ErrNotFound)
	}
	clone := *scan
	return &clone, nil
}

func (s *fakeScanStore) List(_ context.Context, _ int) ([]scans.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scans.Scan, 0, len(s.scans))
	for _, scan := range s.scans {
		out = append(out, *scan)
	}
	return out, nil
}

func (s *fakeScanStore) MarkRunning(context.Context, uuid.UUID) error          { return nil }
func (s *fakeScanStore) UpdateProgress(context.Context, uuid.UUID, int) error { return nil }
func (s *fakeScanStore) AppendSubdomain(context.Context, uuid.UUID, scans.SubdomainResult) error {
	return nil
}
func (s *fakeScanStore) AppendPort(context.Context, uuid.UUID, scans.PortResult) error { return nil }
func (s *fakeScanStore) Complete(context.Context, uuid.UUID) error                     { return nil }
func (s *fakeScanStore) Fail(context.Context, uuid.UUID, string) error                 { return nil }

type testEnv struct {
	srv       *httptest.Server
	logs      *fakeLogStore
	resolver  *fakeResolver
	scanStore *fakeScanStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logs := newFakeLogStore()
	resolver := &fakeResolver{pocs: make(map[uuid.UUID]*execution.POCRef)}
	scanStore := newFakeScanStore()
	broker := execution.NewBroker()

	orch, err := execution.NewOrchestrator(execution.OrchestratorConfig{
		Store:  logs,
		POCs:   resolver,
		Runner: execution.NewRunner(nil),
		Broker: broker,
	})
	require.NoError(t, err)

	a, err := New(&Store{ORM: &gorm.DB{}}, Deps{
		Exec:      orch,
		Broker:    broker,
		Logs:      logs,
		ScanStore: scanStore,
	}, Config{ArtifactBucket: "reconx-test"}, nil)
	require.NoError(t, err)

	router, err := a.Routes()
	require.NoError(t, err)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, logs: logs, resolver: resolver, scanStore: scanStore}
}

func (e *testEnv) addPOC(command string) uuid.UUID {
	id := uuid.New()
	e.resolver.pocs[id] = &execution.POCRef{ID: id, Name: "test-poc", Command: command}
	return id
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func TestExecutePOCStreamsOverWebsocket(t *testing.T) {
	env := newTestEnv(t)
	pocID := env.addPOC(`sh -c "sleep 0.5; echo probing {TARGET_URL}"`)

	resp := postJSON(t, env.srv.URL+"/v1/pocs/"+pocID.String()+"/execute",
		`{"target_url":"https://example.com"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	executionID := decodeBody(t, resp)["execution_id"].(string)
	require.NotEmpty(t, executionID)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/executions/" + executionID + "/logs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var events []execution.Event
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev execution.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, execution.EventComplete, last.Type)

	var sawOutput bool
	for _, ev := range events {
		if ev.Type == execution.EventStdout && strings.Contains(ev.Message, "probing https://example.com") {
			sawOutput = true
		}
	}
	assert.True(t, sawOutput, "expected stdout with resolved target, got %+v", events)

	// The stored row reaches its terminal state shortly after the stream ends.
	require.Eventually(t, func() bool {
		entry, err := env.logs.GetByID(context.Background(), uuid.MustParse(executionID))
		return err == nil && entry.Status == execution.StatusSuccess
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExecutePOCValidation(t *testing.T) {
	env := newTestEnv(t)
	pocID := env.addPOC("echo hi")

	resp := postJSON(t, env.srv.URL+"/v1/pocs/"+pocID.String()+"/execute", `{"target_url":"not a url"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, env.srv.URL+"/v1/pocs/not-a-uuid/execute", `{"target_url":"https://example.com"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, env.srv.URL+"/v1/pocs/"+uuid.NewString()+"/execute", `{"target_url":"https://example.com"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListExecutionsByPOC(t *testing.T) {
	env := newTestEnv(t)

	pocID := uuid.New()
	for i := 0; i < 2; i++ {
		require.NoError(t, env.logs.Create(context.Background(), &execution.Log{
			ID:         uuid.New(),
			POCID:      pocID,
			Status:     execution.StatusSuccess,
			ExecutedAt: time.Now().UTC(),
		}))
	}

	resp, err := http.Get(env.srv.URL + "/v1/executions?poc_id=" + pocID.String())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decodeBody(t, resp)
	assert.Len(t, payload["executions"], 2)

	resp, err = http.Get(env.srv.URL + "/v1/executions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetExecutionNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/v1/executions/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelUnknownExecution(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.srv.URL+"/v1/executions/"+uuid.NewString()+"/cancel", `{}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebsocketAfterTerminalReplaysSnapshot(t *testing.T) {
	env := newTestEnv(t)

	id := uuid.New()
	completedAt := time.Now().UTC()
	entry := &execution.Log{
		ID:          id,
		POCID:       uuid.New(),
		Status:      execution.StatusFailed,
		Error:       "process exited with code 1",
		ExecutedAt:  completedAt.Add(-time.Second),
		CompletedAt: &completedAt,
	}
	require.NoError(t, env.logs.Create(context.Background(), entry))

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/executions/" + id.String() + "/logs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev execution.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, execution.EventError, ev.Type)
	assert.Contains(t, ev.Message, "exited with code 1")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "stream should close after the terminal snapshot")
}

func TestWebsocketFinishedBeforeSubscribeReplaysSnapshot(t *testing.T) {
	env := newTestEnv(t)

	id := uuid.New()
	require.NoError(t, env.logs.Create(context.Background(), &execution.Log{
		ID:         id,
		POCID:      uuid.New(),
		Status:     execution.StatusRunning,
		ExecutedAt: time.Now().UTC(),
	}))

	// The row reads RUNNING on the first fetch, but the broker topic is
	// already gone; the handler's re-fetch then finds the terminal state.
	fetches := 0
	env.logs.onGet = func(uuid.UUID) {
		fetches++
		if fetches == 2 {
			_ = env.logs.Finalize(context.Background(), id,
				execution.StatusFailed, "", "exit code 1", time.Now().UTC())
		}
	}

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/executions/" + id.String() + "/logs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev execution.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, execution.EventError, ev.Type)
	assert.Contains(t, ev.Message, "exit code 1")
}

func TestWebsocketUnknownExecution(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/executions/" + uuid.NewString() + "/logs"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateScan(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.srv.URL+"/v1/scans", `{"target":"Example.COM"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	payload := decodeBody(t, resp)

	scan := payload["scan"].(map[string]any)
	assert.Equal(t, "example.com", scan["target"])
	assert.Equal(t, string(scans.ScanPending), scan["status"])

	stored, err := env.scanStore.GetByID(context.Background(), uuid.MustParse(scan["id"].(string)))
	require.NoError(t, err)
	assert.Equal(t, "example.com", stored.Target)
}

func TestCreateScanValidation(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{
		`{"target":""}`,
		`{"target":"   "}`,
		`{"target":"https://example.com/path"}`,
		`{"target":"two words"}`,
	} {
		resp := postJSON(t, env.srv.URL+"/v1/scans", body)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %s", body)
	}
}
