// ABOUTME: MCP-compatible HTTP server exposing run control to external agents like Claude Code.
// ABOUTME: Implements Streamable HTTP transport (spec 2025-11-25) with session management.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/adapter"
	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/inflight"
	"github.com/2389/parley-gateway/internal/runner"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// JSON-RPC 2.0 types

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// MCP-specific types

// MCPToolInfo represents an MCP tool definition.
type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPListToolsResult is the result for tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

// MCPCallToolParams are the params for tools/call.
type MCPCallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPCallToolResult is the result for tools/call.
type MCPCallToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent represents content in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// mcpSession tracks an active MCP client session.
type mcpSession struct {
	id              string
	protocolVersion string
	subject         string
	ownerToken      string // auth token used to verify session ownership on DELETE
	createdAt       time.Time
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

func (s *sessionStore) create(protocolVersion, subject, ownerToken string) *mcpSession {
	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		subject:         subject,
		ownerToken:      ownerToken,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

// Canceler cancels a specific inflight run. *runner.Coordinator satisfies it.
type Canceler interface {
	Cancel(conversationID, inflightID string) bool
}

// Config holds configuration for the MCP server.
type Config struct {
	Runner        *runner.Runner
	Canceler      Canceler
	Chat          adapter.ChatAdapter
	Logger        *slog.Logger
	TokenVerifier auth.TokenVerifier
	RequireAuth   bool // If true, reject initialize requests without valid auth
}

// Server implements MCP-compatible HTTP endpoints for external agents.
// Conforms to MCP Streamable HTTP transport specification (2025-11-25).
type Server struct {
	runner      *runner.Runner
	canceler    Canceler
	chat        adapter.ChatAdapter
	logger      *slog.Logger
	verifier    auth.TokenVerifier
	requireAuth bool
	sessions    *sessionStore
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.Canceler == nil {
		return nil, errors.New("canceler is required")
	}
	if cfg.Chat == nil {
		return nil, errors.New("chat adapter is required")
	}
	if cfg.RequireAuth && cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required when auth is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		runner:      cfg.Runner,
		canceler:    cfg.Canceler,
		chat:        cfg.Chat,
		logger:      logger.With("component", "mcp"),
		verifier:    cfg.TokenVerifier,
		requireAuth: cfg.RequireAuth,
		sessions:    newSessionStore(),
	}, nil
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
}

// handleMCP is the single MCP endpoint supporting POST, GET, and DELETE per the
// Streamable HTTP transport spec (2025-11-25).
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// We don't support server-initiated SSE streams
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session per the Streamable HTTP spec.
// Verifies the caller owns the session to prevent unauthorized termination.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	// Verify ownership: the DELETE request must carry the same auth as initialize
	if sess.ownerToken != "" {
		callerToken := extractOwnerToken(r)
		if callerToken != sess.ownerToken {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	s.sessions.delete(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	// Read and parse the body first so we can check if this is an initialize request
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "failed to read request body", nil)
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "request body too large", nil)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "invalid JSON", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version", nil)
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	// Validate protocol version header (not required on initialize).
	// Per spec: server default assumption if missing is 2025-03-26.
	if !isInitialize && protoVersion != "" {
		if !supportedProtocolVersions[protoVersion] {
			http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
			return
		}
	}

	// Validate session on non-initialize requests
	if !isInitialize {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		if _, ok := s.sessions.get(sessionID); !ok {
			// Session expired or invalid - client must re-initialize
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", sessionID,
	)

	// Handle notifications: accept and return HTTP 202 with no body
	if isNotification {
		if strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Debug("accepted MCP notification", "method", req.Method)
		} else {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req)
	case "tools/list":
		s.handleToolsList(w, req)
	case "tools/call":
		s.handleToolsCall(w, r, req)
	default:
		s.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "method not found", nil)
	}
}

// handleInitialize handles the MCP initialize handshake and creates a session.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	subject, err := s.authenticate(r)
	if err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, err.Error(), nil)
		return
	}

	ownerToken := extractOwnerToken(r)
	sess := s.sessions.create(latestProtocolVersion, subject, ownerToken)

	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"protocol_version", sess.protocolVersion,
	)

	// Set the session ID header so the client can use it on subsequent requests
	w.Header().Set("Mcp-Session-Id", sess.id)

	result := map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "parley-gateway",
			"version": "1.0.0",
		},
	}
	s.sendJSONRPCResult(w, req.ID, result)
}

// authenticate verifies the request's bearer token when auth is required.
// Returns the token subject, or "" when running unauthenticated.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token := extractOwnerToken(r)
	if token == "" {
		if s.requireAuth {
			return "", errors.New("authentication required")
		}
		return "", nil
	}
	if s.verifier == nil {
		return "", nil
	}
	subject, err := s.verifier.Verify(token)
	if err != nil {
		return "", errors.New("invalid or expired token")
	}
	return subject, nil
}

// runTurnParams are the arguments for the run_turn tool.
type runTurnParams struct {
	ConversationID string `json:"conversation_id"`
	InflightID     string `json:"inflight_id,omitempty"`
	Content        string `json:"content"`
}

// cancelTurnParams are the arguments for the cancel_turn tool.
type cancelTurnParams struct {
	ConversationID string `json:"conversation_id"`
	InflightID     string `json:"inflight_id"`
}

// handleToolsList handles tools/list requests.
func (s *Server) handleToolsList(w http.ResponseWriter, req JSONRPCRequest) {
	result := MCPListToolsResult{
		Tools: []MCPToolInfo{
			{
				Name:        "run_turn",
				Description: "Run one generation turn in a conversation and return the final assistant text. Fails if the conversation already has a turn in flight.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"conversation_id": {"type": "string", "description": "Conversation to run the turn in"},
						"inflight_id": {"type": "string", "description": "Optional client-chosen run identifier"},
						"content": {"type": "string", "description": "User message to send"}
					},
					"required": ["conversation_id", "content"]
				}`),
			},
			{
				Name:        "cancel_turn",
				Description: "Cancel a specific in-flight generation turn. A no-op if the turn already finished.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"conversation_id": {"type": "string", "description": "Conversation the turn belongs to"},
						"inflight_id": {"type": "string", "description": "Identifier of the in-flight turn"}
					},
					"required": ["conversation_id", "inflight_id"]
				}`),
			},
		},
	}

	s.sendJSONRPCResult(w, req.ID, result)
}

// handleToolsCall handles tools/call requests.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	var params MCPCallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}

	if params.Name == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "tool name is required", nil)
		return
	}

	switch params.Name {
	case "run_turn":
		s.callRunTurn(w, r, req.ID, params.Arguments)
	case "cancel_turn":
		s.callCancelTurn(w, req.ID, params.Arguments)
	default:
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "tool not found", nil)
	}
}

// callRunTurn starts a run and blocks until it finishes, returning the final
// assistant text. The run is detached from the HTTP request so a dropped MCP
// connection does not abort the generation.
func (s *Server) callRunTurn(w http.ResponseWriter, r *http.Request, id json.RawMessage, args json.RawMessage) {
	var params runTurnParams
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			s.sendJSONRPCError(w, id, JSONRPCInvalidParams, "invalid arguments", nil)
			return
		}
	}
	if params.ConversationID == "" || params.Content == "" {
		s.sendJSONRPCError(w, id, JSONRPCInvalidParams, "conversation_id and content are required", nil)
		return
	}

	cancelOnDisconnect := false
	handle, err := s.runner.Start(context.Background(), s.chat, runner.StartRequest{
		ConversationID:     params.ConversationID,
		InflightID:         params.InflightID,
		Content:            params.Content,
		CancelOnDisconnect: &cancelOnDisconnect,
	})
	if err != nil {
		if errors.Is(err, runner.ErrRunInProgress) {
			s.sendToolError(w, id, "run already in progress for conversation")
			return
		}
		s.logger.Warn("run_turn failed to start", "error", err)
		s.sendToolError(w, id, err.Error())
		return
	}

	var full strings.Builder
	for ev := range handle.Events {
		switch ev.Type {
		case adapter.EventToken:
			full.WriteString(ev.Text)
		case adapter.EventFinal:
			if full.Len() == 0 {
				full.WriteString(ev.Text)
			}
		}
	}
	status := <-handle.FinalStatus

	result := map[string]string{
		"conversation_id": handle.Run.ConversationID,
		"inflight_id":     handle.Run.InflightID,
		"status":          string(status),
		"text":            full.String(),
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.sendJSONRPCError(w, id, JSONRPCInternalError, "encoding result", nil)
		return
	}

	s.logger.Debug("run_turn complete",
		"conversation_id", handle.Run.ConversationID,
		"inflight_id", handle.Run.InflightID,
		"status", status,
	)

	s.sendJSONRPCResult(w, id, MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: string(payload)}},
		IsError: status == inflight.StatusFailed,
	})
}

// callCancelTurn cancels a specific in-flight run.
func (s *Server) callCancelTurn(w http.ResponseWriter, id json.RawMessage, args json.RawMessage) {
	var params cancelTurnParams
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			s.sendJSONRPCError(w, id, JSONRPCInvalidParams, "invalid arguments", nil)
			return
		}
	}
	if params.ConversationID == "" || params.InflightID == "" {
		s.sendJSONRPCError(w, id, JSONRPCInvalidParams, "conversation_id and inflight_id are required", nil)
		return
	}

	if !s.canceler.Cancel(params.ConversationID, params.InflightID) {
		s.sendToolError(w, id, "no matching inflight run")
		return
	}

	s.sendJSONRPCResult(w, id, MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: `{"status": "cancelled"}`}},
	})
}

// extractOwnerToken derives a stable identity string from the request's auth
// credentials. Used to bind sessions to their creator for ownership verification.
func extractOwnerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// sendToolError sends a tool-level failure as an MCP result with isError set.
func (s *Server) sendToolError(w http.ResponseWriter, id json.RawMessage, message string) {
	s.sendJSONRPCResult(w, id, MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: message}},
		IsError: true,
	})
}

// sendJSONRPCResult sends a successful JSON-RPC response.
func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
