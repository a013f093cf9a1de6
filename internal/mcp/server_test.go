// ABOUTME: Tests for the MCP HTTP server including session handling and tool execution.
// ABOUTME: Validates the initialize handshake, run_turn/cancel_turn tools, and error responses.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/parley-gateway/internal/adapter"
	"github.com/2389/parley-gateway/internal/inflight"
	"github.com/2389/parley-gateway/internal/runlock"
	"github.com/2389/parley-gateway/internal/runner"
)

// mockTokenVerifier implements auth.TokenVerifier for testing.
type mockTokenVerifier struct {
	subject string
	err     error
}

func (m *mockTokenVerifier) Verify(token string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.subject, nil
}

// nullBroadcaster discards all push events.
type nullBroadcaster struct{}

func (nullBroadcaster) BeginInflight(inflight.Run) {}

func (nullBroadcaster) AssistantDelta(string, string, string) bool { return true }

func (nullBroadcaster) AnalysisUpdate(string, string, string, string) bool { return true }

func (nullBroadcaster) ToolEvent(string, string, inflight.ToolState) bool { return true }

func (nullBroadcaster) TurnFinal(string, string, inflight.Status, string) {}

func newTestServer(t *testing.T, chat adapter.ChatAdapter, cfg Config) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := inflight.NewRegistry(logger)
	run := runner.New(registry, runlock.New(), nullBroadcaster{}, nil, logger)
	canceler := runner.NewCoordinator(registry, nullBroadcaster{}, nil, logger)

	cfg.Runner = run
	cfg.Canceler = canceler
	cfg.Chat = chat
	cfg.Logger = logger

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	return srv
}

// rpc posts a JSON-RPC request and decodes the response body.
func rpc(t *testing.T, srv *Server, sessionID string, body string) (*httptest.ResponseRecorder, *JSONRPCResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(body)))
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
		req.Header.Set("Mcp-Protocol-Version", "2025-11-25")
	}
	w := httptest.NewRecorder()
	srv.handleMCP(w, req)

	if w.Code != http.StatusOK {
		return w, nil
	}
	var resp JSONRPCResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v (body %q)", err, w.Body.String())
	}
	return w, &resp
}

// initialize performs the handshake and returns the session ID.
func initialize(t *testing.T, srv *Server) string {
	t.Helper()
	w, resp := rpc(t, srv, "", `{"jsonrpc": "2.0", "id": 1, "method": "initialize"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("initialize status = %d", w.Code)
	}
	if resp.Error != nil {
		t.Fatalf("initialize error: %v", resp.Error)
	}
	sessionID := w.Header().Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatal("no session ID returned")
	}
	return sessionID
}

// toolResult decodes the MCPCallToolResult from a response.
func toolResult(t *testing.T, resp *JSONRPCResponse) MCPCallToolResult {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshaling result: %v", err)
	}
	var result MCPCallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decoding tool result: %v", err)
	}
	return result
}

func TestInitializeCreatesSession(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{})
	sessionID := initialize(t, srv)

	if _, ok := srv.sessions.get(sessionID); !ok {
		t.Error("session not stored")
	}
}

func TestRequestWithoutSessionRejected(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{})

	w, _ := rpc(t, srv, "", `{"jsonrpc": "2.0", "id": 1, "method": "tools/list"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w, _ = rpc(t, srv, "nonexistent", `{"jsonrpc": "2.0", "id": 1, "method": "tools/list"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", w.Code)
	}
}

func TestInvalidJSONRPC(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{})

	_, resp := rpc(t, srv, "", `{not json`)
	if resp.Error == nil || resp.Error.Code != JSONRPCParseError {
		t.Errorf("error = %v, want parse error", resp.Error)
	}

	_, resp = rpc(t, srv, "", `{"jsonrpc": "1.0", "id": 1, "method": "initialize"}`)
	if resp.Error == nil || resp.Error.Code != JSONRPCInvalidRequest {
		t.Errorf("error = %v, want invalid request", resp.Error)
	}
}

func TestNotificationAccepted(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{})
	sessionID := initialize(t, srv)

	w, _ := rpc(t, srv, sessionID, `{"jsonrpc": "2.0", "method": "notifications/initialized"}`)
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
}

func TestUnsupportedProtocolVersionHeader(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{})
	sessionID := initialize(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc": "2.0", "id": 1, "method": "tools/list"}`))
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
	w := httptest.NewRecorder()
	srv.handleMCP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestToolsList(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{})
	sessionID := initialize(t, srv)

	_, resp := rpc(t, srv, sessionID, `{"jsonrpc": "2.0", "id": 2, "method": "tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("tools/list error: %v", resp.Error)
	}

	raw, _ := json.Marshal(resp.Result)
	var result MCPListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}

	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
		if len(tool.InputSchema) == 0 {
			t.Errorf("tool %s has no input schema", tool.Name)
		}
	}
	if !names["run_turn"] || !names["cancel_turn"] {
		t.Errorf("tools = %v, want run_turn and cancel_turn", names)
	}
}

func TestRunTurnReturnsFinalText(t *testing.T) {
	chat := &adapter.Scripted{Script: adapter.EchoScript("hello mcp")}
	srv := newTestServer(t, chat, Config{})
	sessionID := initialize(t, srv)

	_, resp := rpc(t, srv, sessionID, `{"jsonrpc": "2.0", "id": 3, "method": "tools/call",
		"params": {"name": "run_turn", "arguments": {"conversation_id": "c1", "content": "hello mcp"}}}`)
	if resp.Error != nil {
		t.Fatalf("tools/call error: %v", resp.Error)
	}

	result := toolResult(t, resp)
	if result.IsError {
		t.Fatalf("unexpected tool error: %v", result.Content)
	}

	var payload map[string]string
	if err := json.Unmarshal([]byte(result.Content[0].Text), &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("status = %q, want ok", payload["status"])
	}
	if payload["text"] != "Echo: hello mcp" {
		t.Errorf("text = %q", payload["text"])
	}
	if payload["inflight_id"] == "" {
		t.Error("no inflight_id in payload")
	}
}

func TestRunTurnConflict(t *testing.T) {
	slow := &adapter.Scripted{
		Script: adapter.EchoScript("a long answer that keeps streaming for a while"),
		Delay:  20 * time.Millisecond,
	}
	srv := newTestServer(t, slow, Config{})
	sessionID := initialize(t, srv)

	cancelOnDisconnect := false
	handle, err := srv.runner.Start(context.Background(), slow, runner.StartRequest{
		ConversationID:     "c1",
		Content:            "first",
		CancelOnDisconnect: &cancelOnDisconnect,
	})
	if err != nil {
		t.Fatalf("starting first run: %v", err)
	}

	_, resp := rpc(t, srv, sessionID, `{"jsonrpc": "2.0", "id": 4, "method": "tools/call",
		"params": {"name": "run_turn", "arguments": {"conversation_id": "c1", "content": "second"}}}`)
	result := toolResult(t, resp)
	if !result.IsError {
		t.Error("expected tool error for conflicting run")
	}
	if !strings.Contains(result.Content[0].Text, "in progress") {
		t.Errorf("error text = %q", result.Content[0].Text)
	}

	select {
	case <-handle.FinalStatus:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never finished")
	}
}

func TestRunTurnFailedBackendIsError(t *testing.T) {
	chat := &adapter.Scripted{Script: []*adapter.Event{
		{Type: adapter.EventToken, Text: "partial "},
		{Type: adapter.EventError, Error: "backend exploded"},
	}}
	srv := newTestServer(t, chat, Config{})
	sessionID := initialize(t, srv)

	_, resp := rpc(t, srv, sessionID, `{"jsonrpc": "2.0", "id": 5, "method": "tools/call",
		"params": {"name": "run_turn", "arguments": {"conversation_id": "c1", "content": "boom"}}}`)
	result := toolResult(t, resp)
	if !result.IsError {
		t.Error("expected isError for failed run")
	}
	if !strings.Contains(result.Content[0].Text, `"failed"`) {
		t.Errorf("payload = %q", result.Content[0].Text)
	}
}

func TestRunTurnValidation(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{})
	sessionID := initialize(t, srv)

	_, resp := rpc(t, srv, sessionID, `{"jsonrpc": "2.0", "id": 6, "method": "tools/call",
		"params": {"name": "run_turn", "arguments": {"content": "no conversation"}}}`)
	if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams {
		t.Errorf("error = %v, want invalid params", resp.Error)
	}
}

func TestCancelTurn(t *testing.T) {
	slow := &adapter.Scripted{
		Script: adapter.EchoScript("a long answer that keeps streaming"),
		Delay:  30 * time.Millisecond,
	}
	srv := newTestServer(t, slow, Config{})
	sessionID := initialize(t, srv)

	cancelOnDisconnect := false
	handle, err := srv.runner.Start(context.Background(), slow, runner.StartRequest{
		ConversationID:     "c1",
		InflightID:         "i1",
		Content:            "go",
		CancelOnDisconnect: &cancelOnDisconnect,
	})
	if err != nil {
		t.Fatalf("starting run: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	_, resp := rpc(t, srv, sessionID, `{"jsonrpc": "2.0", "id": 7, "method": "tools/call",
		"params": {"name": "cancel_turn", "arguments": {"conversation_id": "c1", "inflight_id": "i1"}}}`)
	result := toolResult(t, resp)
	if result.IsError {
		t.Fatalf("unexpected tool error: %v", result.Content)
	}

	select {
	case st := <-handle.FinalStatus:
		if st != inflight.StatusStopped {
			t.Errorf("status = %v, want stopped", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run never finished")
	}

	// Cancel after completion reports an error result, not a protocol error.
	_, resp = rpc(t, srv, sessionID, `{"jsonrpc": "2.0", "id": 8, "method": "tools/call",
		"params": {"name": "cancel_turn", "arguments": {"conversation_id": "c1", "inflight_id": "i1"}}}`)
	result = toolResult(t, resp)
	if !result.IsError {
		t.Error("expected tool error for already-finished run")
	}
}

func TestUnknownTool(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{})
	sessionID := initialize(t, srv)

	_, resp := rpc(t, srv, sessionID, `{"jsonrpc": "2.0", "id": 9, "method": "tools/call",
		"params": {"name": "no_such_tool"}}`)
	if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams {
		t.Errorf("error = %v, want invalid params", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{})
	sessionID := initialize(t, srv)

	_, resp := rpc(t, srv, sessionID, `{"jsonrpc": "2.0", "id": 10, "method": "resources/list"}`)
	if resp.Error == nil || resp.Error.Code != JSONRPCMethodNotFound {
		t.Errorf("error = %v, want method not found", resp.Error)
	}
}

func TestDeleteSession(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{})
	sessionID := initialize(t, srv)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessionID)
	w := httptest.NewRecorder()
	srv.handleMCP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if _, ok := srv.sessions.get(sessionID); ok {
		t.Error("session still present after DELETE")
	}
}

func TestDeleteSessionRequiresOwnership(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{
		TokenVerifier: &mockTokenVerifier{subject: "alice"},
	})

	req := httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc": "2.0", "id": 1, "method": "initialize"}`))
	req.Header.Set("Authorization", "Bearer alice-token")
	w := httptest.NewRecorder()
	srv.handleMCP(w, req)
	sessionID := w.Header().Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatal("no session created")
	}

	del := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	del.Header.Set("Mcp-Session-Id", sessionID)
	del.Header.Set("Authorization", "Bearer wrong-token")
	w = httptest.NewRecorder()
	srv.handleMCP(w, del)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestInitializeRequiresAuthWhenConfigured(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{
		TokenVerifier: &mockTokenVerifier{subject: "alice"},
		RequireAuth:   true,
	})

	_, resp := rpc(t, srv, "", `{"jsonrpc": "2.0", "id": 1, "method": "initialize"}`)
	if resp.Error == nil {
		t.Fatal("expected error without credentials")
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc": "2.0", "id": 1, "method": "initialize"}`))
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()
	srv.handleMCP(w, req)
	if w.Header().Get("Mcp-Session-Id") == "" {
		t.Error("no session created with valid token")
	}
}

func TestInitializeRejectsInvalidToken(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{
		TokenVerifier: &mockTokenVerifier{err: errors.New("expired")},
	})

	req := httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc": "2.0", "id": 1, "method": "initialize"}`))
	req.Header.Set("Authorization", "Bearer stale-token")
	w := httptest.NewRecorder()
	srv.handleMCP(w, req)

	var resp JSONRPCResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Error == nil {
		t.Error("expected error for invalid token")
	}
}

func TestGetMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &adapter.Scripted{}, Config{})

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	w := httptest.NewRecorder()
	srv.handleMCP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}
