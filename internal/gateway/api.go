// ABOUTME: HTTP API handlers for starting runs, cancelling them, and conversation CRUD
// ABOUTME: Streams run events to the initiator over SSE and emits sidebar events after commits

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/adapter"
	"github.com/2389/parley-gateway/internal/runner"
	"github.com/2389/parley-gateway/internal/store"
)

// RunRequest is the POST /api/run body.
type RunRequest struct {
	ConversationID     string `json:"conversation_id"`
	InflightID         string `json:"inflight_id,omitempty"`
	Content            string `json:"content"`
	CancelOnDisconnect *bool  `json:"cancel_on_disconnect,omitempty"`
}

// CancelRequest is the POST /api/cancel body.
type CancelRequest struct {
	ConversationID string `json:"conversation_id"`
	InflightID     string `json:"inflight_id"`
}

// SSEEvent represents a Server-Sent Event to stream to the caller.
type SSEEvent struct {
	Event string
	Data  interface{}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// parseRunRequest parses and validates a RunRequest from the given reader.
func parseRunRequest(r io.Reader) (*RunRequest, error) {
	var req RunRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.ConversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	if req.Content == "" {
		return nil, errors.New("content is required")
	}

	return &req, nil
}

// handleRun starts a generation and streams its events back over SSE.
// Responds 409 when the conversation already has a run in flight.
func (g *Gateway) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	req, err := parseRunRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	cancelOnDisconnect := req.CancelOnDisconnect
	if cancelOnDisconnect == nil {
		cancelOnDisconnect = g.config.Runs.CancelOnDisconnect
	}

	handle, err := g.runner.Start(r.Context(), g.chat, runner.StartRequest{
		ConversationID:     req.ConversationID,
		InflightID:         req.InflightID,
		Content:            req.Content,
		CancelOnDisconnect: cancelOnDisconnect,
	})
	if err != nil {
		if errors.Is(err, runner.ErrRunInProgress) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "run already in progress for conversation",
				"code":  "RUN_IN_PROGRESS",
			})
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Set up SSE streaming
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("response writer does not support flushing")
		return
	}

	g.writeSSEEvent(w, "started", map[string]string{
		"conversation_id": handle.Run.ConversationID,
		"inflight_id":     handle.Run.InflightID,
	})
	flusher.Flush()

	g.streamRunEvents(w, flusher, r, handle)
}

// streamRunEvents relays the run's canonical events to the SSE response
// until the stream closes or the client goes away. A detached run keeps
// going after the client disconnects; only the response stream stops.
func (g *Gateway) streamRunEvents(w http.ResponseWriter, flusher http.Flusher, r *http.Request, handle *runner.Handle) {
	var full strings.Builder

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-handle.Events:
			if !ok {
				status := <-handle.FinalStatus
				g.writeSSEEvent(w, "done", map[string]string{
					"status":        string(status),
					"full_response": full.String(),
				})
				flusher.Flush()
				return
			}

			sse := eventToSSE(ev)
			if sse == nil {
				continue
			}
			if ev.Type == adapter.EventToken {
				full.WriteString(ev.Text)
			}
			if ev.Type == adapter.EventFinal && full.Len() == 0 {
				full.WriteString(ev.Text)
			}
			g.writeSSEEvent(w, sse.Event, sse.Data)
			flusher.Flush()
		}
	}
}

// eventToSSE maps a canonical run event to its SSE representation. Returns
// nil for events that have no client-facing form.
func eventToSSE(ev *adapter.Event) *SSEEvent {
	switch ev.Type {
	case adapter.EventThread:
		return &SSEEvent{Event: "thread", Data: map[string]string{"thread_id": ev.ThreadID}}
	case adapter.EventToken:
		return &SSEEvent{Event: "token", Data: map[string]string{"text": ev.Text}}
	case adapter.EventAnalysis:
		return &SSEEvent{Event: "analysis", Data: map[string]string{
			"item_id": ev.Analysis.ItemID,
			"text":    ev.Analysis.Text,
		}}
	case adapter.EventToolRequest:
		return &SSEEvent{Event: "tool_request", Data: map[string]string{
			"id":     ev.ToolRequest.ID,
			"name":   ev.ToolRequest.Name,
			"stage":  ev.ToolRequest.Stage,
			"params": ev.ToolRequest.Params,
		}}
	case adapter.EventToolResult:
		return &SSEEvent{Event: "tool_result", Data: map[string]string{
			"id":     ev.ToolResult.ID,
			"result": ev.ToolResult.Result,
			"error":  ev.ToolResult.Error,
		}}
	case adapter.EventFinal:
		return &SSEEvent{Event: "final", Data: map[string]string{"text": ev.Text}}
	case adapter.EventError:
		return &SSEEvent{Event: "error", Data: map[string]string{"error": ev.Error}}
	default:
		// EventComplete carries no payload; "done" is written when the
		// stream closes.
		return nil
	}
}

// handleCancel cancels a specific inflight run. Responds 404 when no run
// matches the conversation and inflight IDs.
func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" || req.InflightID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id and inflight_id are required")
		return
	}

	if !g.canceler.Cancel(req.ConversationID, req.InflightID) {
		g.sendJSONError(w, http.StatusNotFound, "no matching inflight run")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// createConversationRequest is the POST /api/conversations body.
type createConversationRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
}

// updateConversationRequest is the PATCH /api/conversations/{id} body.
// Absent fields are left unchanged.
type updateConversationRequest struct {
	Title    *string `json:"title,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
}

// handleConversations serves GET (list) and POST (create) on /api/conversations.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListConversations(w, r)
	case http.MethodPost:
		g.handleCreateConversation(w, r)
	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	convs, err := g.store.ListConversations(r.Context(), limit)
	if err != nil {
		g.logger.Error("listing conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(convs)
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" {
		g.sendJSONError(w, http.StatusBadRequest, "title is required")
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        id,
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.store.CreateConversation(r.Context(), conv); err != nil {
		if errors.Is(err, store.ErrDuplicateConversation) {
			g.sendJSONError(w, http.StatusConflict, "conversation already exists")
			return
		}
		g.logger.Error("creating conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	// Sidebar subscribers hear about the conversation only after the row
	// is committed, so a refetch always finds it.
	g.hub.EmitConversationUpsert(conv)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(conv)
}

// handleConversationRoutes dispatches /api/conversations/{id} and
// /api/conversations/{id}/turns.
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		g.handleConversationByID(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "turns":
		g.handleConversationTurns(w, r, parts[0])
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

func (g *Gateway) handleConversationByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		conv, err := g.store.GetConversation(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				g.sendJSONError(w, http.StatusNotFound, "conversation not found")
				return
			}
			g.logger.Error("getting conversation", "id", id, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "failed to get conversation")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(conv)

	case http.MethodPatch:
		g.handleUpdateConversation(w, r, id)

	case http.MethodDelete:
		if err := g.store.DeleteConversation(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				g.sendJSONError(w, http.StatusNotFound, "conversation not found")
				return
			}
			g.logger.Error("deleting conversation", "id", id, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "failed to delete conversation")
			return
		}
		g.hub.EmitConversationDelete(id)
		w.WriteHeader(http.StatusNoContent)

	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request, id string) {
	var req updateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == nil && req.Archived == nil {
		g.sendJSONError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	conv, err := g.store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.logger.Error("getting conversation", "id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to get conversation")
		return
	}

	if req.Title != nil {
		conv.Title = *req.Title
	}
	if req.Archived != nil {
		conv.Archived = *req.Archived
	}
	conv.UpdatedAt = time.Now().UTC()

	if err := g.store.UpdateConversation(r.Context(), conv); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.logger.Error("updating conversation", "id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to update conversation")
		return
	}

	g.hub.EmitConversationUpsert(conv)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(conv)
}

func (g *Gateway) handleConversationTurns(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if _, err := g.store.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.logger.Error("getting conversation", "id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to get conversation")
		return
	}

	limit := parseLimit(r, 100)
	turns, err := g.store.ListTurns(r.Context(), id, limit)
	if err != nil {
		g.logger.Error("listing turns", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list turns")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(turns)
}

// parseLimit reads the limit query parameter, falling back to def.
func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
