package hubserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/mcphub/hub/internal/eventlog"
)

// Router builds the hub's HTTP surface: the Submission API under
// /v1/workflows and /v1/tasks, the agent WebSocket endpoint, and a
// permissive CORS policy for the submit/status/subscribe operations
// (the agent channel itself is not a browser-facing surface).
func (h *Hub) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/workflows", h.handleSubmit)
	mux.HandleFunc("/v1/workflows/", h.handleWorkflowByID)
	mux.HandleFunc("/v1/tasks/", h.handleTaskByID)
	mux.HandleFunc("/v1/agents/ws", h.ServeAgentWS)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(mux)
}

func (h *Hub) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := h.Submit(req)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleWorkflowByID serves /v1/workflows/{context_id}, /v1/workflows/{context_id}/status,
// and /v1/workflows/{context_id}/events (the subscribe operation).
func (h *Hub) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/workflows/")
	parts := strings.SplitN(rest, "/", 2)
	contextID := parts[0]
	if contextID == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.respondCancel(w, contextID)
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		h.respondStatus(w, contextID)
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		h.handleSubscribe(w, r, contextID)
	default:
		http.NotFound(w, r)
	}
}

// handleTaskByID serves /v1/tasks/{task_id} (status) and
// /v1/tasks/{task_id} DELETE (cancel).
func (h *Hub) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	if taskID == "" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.respondStatus(w, taskID)
	case http.MethodDelete:
		h.respondCancel(w, taskID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Hub) respondStatus(w http.ResponseWriter, id string) {
	statuses, err := h.Status(id)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (h *Hub) respondCancel(w http.ResponseWriter, id string) {
	resp, err := h.Cancel(id)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSubscribe streams events for contextID as server-sent events,
// implementing SPEC_FULL §6's subscribe(context_id) operation. It first
// replays the context's events found among the 1000 most recent retained
// events, then forwards new events as they're appended, until the client
// disconnects.
func (h *Hub) handleSubscribe(w http.ResponseWriter, r *http.Request, contextID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	events, unsubscribe := h.Log.Subscribe(ctx, 64)
	defer unsubscribe()

	for _, ev := range h.Log.Tail(1000) {
		if ev.ContextID == contextID {
			writeSSEEvent(w, ev)
		}
	}
	flusher.Flush()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.ContextID != contextID {
				continue
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev eventlog.Event) {
	view := EventView{
		Seq: ev.Seq, Timestamp: ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Level: string(ev.Level), Component: ev.Component, EventType: ev.EventType,
		TaskID: ev.TaskID, AgentID: ev.AgentID, ContextID: ev.ContextID, Data: ev.Data,
	}
	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeHubError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
