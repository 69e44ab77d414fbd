package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"reconx/services/execution"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from a different origin in development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleExecutionLogsWS streams live execution events over a websocket. The
// stream ends after the terminal event; subscribers that connect after the
// execution finished receive the stored terminal state and an immediate close.
func (a *API) handleExecutionLogsWS(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	entry, err := a.logs.GetByID(ctx, id)
	cancel()
	if err != nil {
		respondDomainError(w, err)
		return
	}

	events, unsubscribe := a.broker.Subscribe(id)
	defer unsubscribe()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Printf("WARN websocket upgrade for execution %s: %v", id, err)
		return
	}
	defer conn.Close()

	// Drain client frames so close handshakes and pongs are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if entry.Status.Terminal() {
		a.writeTerminalSnapshot(conn, entry)
		return
	}

	pings := time.NewTicker(wsPingPeriod)
	defer pings.Stop()

	sawTerminal := false
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// The execution may have finished between the row fetch and
				// the subscription, in which case the channel closes without
				// ever carrying a terminal event. Fall back to the stored
				// terminal state rather than closing with nothing.
				if !sawTerminal {
					ctx, cancel := withTimeout(r.Context())
					entry, err := a.logs.GetByID(ctx, id)
					cancel()
					if err == nil && entry.Status.Terminal() {
						a.writeTerminalSnapshot(conn, entry)
						return
					}
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished"))
				return
			}
			if ev.Type.Terminal() {
				sawTerminal = true
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// writeTerminalSnapshot replays the stored terminal state for a subscriber
// that arrived after the live stream closed.
func (a *API) writeTerminalSnapshot(conn *websocket.Conn, entry *execution.Log) {
	eventType := execution.EventComplete
	message := "execution finished"
	if entry.Status != execution.StatusSuccess {
		eventType = execution.EventError
		message = entry.Error
		if message == "" {
			message = "execution " + string(entry.Status)
		}
	}

	completedAt := entry.ExecutedAt
	if entry.CompletedAt != nil {
		completedAt = *entry.CompletedAt
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := conn.WriteJSON(execution.Event{
		ExecutionID: entry.ID,
		Type:        eventType,
		Message:     message,
		Timestamp:   completedAt,
	})
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished"))
}
