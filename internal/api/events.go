package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentsh/actiond/internal/events"
	"github.com/agentsh/actiond/pkg/types"
	"github.com/gorilla/websocket"
)

func (a *App) searchEvents(w http.ResponseWriter, r *http.Request) {
	if a.d.Events == nil {
		writeError(w, http.StatusNotFound, "event store not configured")
		return
	}
	q, err := parseEventQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evs, err := a.d.Events.QueryEvents(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

// streamEvents follows live events. Websocket upgrade requests get one JSON
// text frame per event, everything else gets server-sent events.
func (a *App) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		runID = events.AllRuns
	}
	if websocket.IsWebSocketUpgrade(r) {
		a.streamWS(w, r, runID)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "stream unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.d.Broker.Subscribe(runID, 200)
	defer a.d.Broker.Unsubscribe(runID, ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			_, _ = w.Write([]byte("data: "))
			if err := enc.Encode(ev); err != nil {
				return
			}
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

const wsWriteTimeout = 10 * time.Second

func (a *App) streamWS(w http.ResponseWriter, r *http.Request, runID string) {
	up := websocket.Upgrader{
		// Auth middleware already ran.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := a.d.Broker.Subscribe(runID, 200)
	defer a.d.Broker.Unsubscribe(runID, ch)

	// Clients never send; reading only notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := writeEventFrame(conn, ev); err != nil {
				a.logger.Debug("event stream closed", "run_id", runID, "error", err)
				return
			}
		}
	}
}

func writeEventFrame(conn *websocket.Conn, ev types.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(ev)
}
