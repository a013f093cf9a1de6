// ABOUTME: Fan-out hub for push subscribers: sidebar and per-conversation transcript streams.
// ABOUTME: Registry mutations, sequence stamping, and broadcast share one mutex, so catch-up snapshots are exact.

package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/2389/parley-gateway/internal/inflight"
)

// Canceler stops an active run on behalf of a control-channel client. The hub
// treats cancellation of an unknown run as a silent no-op.
type Canceler interface {
	CancelInflight(conversationID, inflightID string) bool
}

// Options tune per-connection queueing.
type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	OriginPatterns []string
}

// Hub owns all push-subscriber connections and stamps every broadcast with a
// sequence number: per-conversation for transcript events, global for sidebar
// events. All subscription state is guarded by mu.
type Hub struct {
	registry *inflight.Registry
	logger   *slog.Logger

	sendBuffer     int
	writeTimeout   time.Duration
	originPatterns []string

	mu         sync.Mutex
	clients    map[*Client]struct{}
	convSeq    map[string]uint64
	sidebarSeq uint64
	canceler   Canceler
}

// New creates a hub that reads catch-up snapshots from registry.
func New(registry *inflight.Registry, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = writeTimeoutDefault
	}
	return &Hub{
		registry:       registry,
		logger:         logger.With("component", "hub"),
		sendBuffer:     opts.SendBuffer,
		writeTimeout:   opts.WriteTimeout,
		originPatterns: opts.OriginPatterns,
		clients:        make(map[*Client]struct{}),
		convSeq:        make(map[string]uint64),
	}
}

// SetCanceler wires the run-side cancel path. Called once during startup;
// breaks the construction cycle between the hub and the run initiator.
func (h *Hub) SetCanceler(c Canceler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canceler = c
}

// HandleWebSocket upgrades the request and services the connection until it
// closes. Closing a connection drops its subscriptions and nothing else; it
// never cancels a run.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	client := newClient(conn, h)
	h.addClient(client)
	defer h.removeClient(client)

	h.logger.Debug("subscriber connected")
	client.run()
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.cancel()
	h.logger.Debug("subscriber disconnected")
}

// handleMessage dispatches one inbound control message. Malformed input is
// rejected per-message; the connection stays open.
func (h *Hub) handleMessage(c *Client, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendJSON(serverMessage{Type: evtError, Code: CodeInvalidJSON, Message: "malformed JSON"})
		return
	}
	if msg.RequestID == "" {
		c.sendJSON(serverMessage{Type: evtError, Code: CodeValidationError, Message: "requestId is required"})
		return
	}
	if msg.ProtocolVersion != ProtocolVersion {
		c.sendError(msg.RequestID, CodeValidationError, "unsupported protocolVersion")
		return
	}

	switch msg.Type {
	case msgSubscribeSidebar:
		h.setSidebar(c, true)
		c.sendAck(msg.RequestID)
	case msgUnsubscribeSidebar:
		h.setSidebar(c, false)
		c.sendAck(msg.RequestID)
	case msgSubscribeConversation:
		if msg.ConversationID == "" {
			c.sendError(msg.RequestID, CodeValidationError, "conversationId is required")
			return
		}
		h.subscribeConversation(c, msg.RequestID, msg.ConversationID)
	case msgUnsubscribeConversation:
		if msg.ConversationID == "" {
			c.sendError(msg.RequestID, CodeValidationError, "conversationId is required")
			return
		}
		h.mu.Lock()
		delete(c.conversations, msg.ConversationID)
		h.mu.Unlock()
		c.sendAck(msg.RequestID)
	case msgCancelInflight:
		if msg.ConversationID == "" || msg.InflightID == "" {
			c.sendError(msg.RequestID, CodeValidationError, "conversationId and inflightId are required")
			return
		}
		h.mu.Lock()
		canceler := h.canceler
		h.mu.Unlock()
		if canceler == nil {
			c.sendError(msg.RequestID, CodeInternalError, "cancellation unavailable")
			return
		}
		// A stale or unknown inflightId is a benign race, still acknowledged.
		canceler.CancelInflight(msg.ConversationID, msg.InflightID)
		c.sendAck(msg.RequestID)
	default:
		c.sendError(msg.RequestID, CodeValidationError, "unknown message type: "+msg.Type)
	}
}

func (c *Client) sendAck(requestID string) {
	c.sendJSON(serverMessage{Type: evtAck, RequestID: requestID})
}

func (c *Client) sendError(requestID, code, message string) {
	c.sendJSON(serverMessage{Type: evtError, RequestID: requestID, Code: code, Message: message})
}

func (h *Hub) setSidebar(c *Client, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.sidebar = on
}

// subscribeConversation registers the subscription and, if a run is active,
// queues a catch-up snapshot stamped with the conversation's current sequence
// number. Every registry mutation for the conversation goes through this same
// mutex, so the snapshot covers exactly the broadcasts stamped at or below its
// sequence number: a subscriber never sees snapshot content re-delivered as a
// delta, and never misses a delta the snapshot predates.
func (h *Hub) subscribeConversation(c *Client, requestID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.conversations[conversationID] = struct{}{}
	c.sendAck(requestID)

	run, ok := h.registry.GetActive(conversationID)
	if !ok {
		return
	}
	c.sendJSON(serverMessage{
		Type:           evtInflightSnapshot,
		ConversationID: conversationID,
		Seq:            seqValue(h.convSeq[conversationID]),
		Inflight:       &run,
	})
}

func seqValue(n uint64) *uint64 {
	return &n
}

// nextConvSeq must be called with mu held.
func (h *Hub) nextConvSeq(conversationID string) *uint64 {
	h.convSeq[conversationID]++
	return seqValue(h.convSeq[conversationID])
}

// broadcastConversation must be called with mu held.
func (h *Hub) broadcastConversation(conversationID string, msg serverMessage) {
	for c := range h.clients {
		if _, ok := c.conversations[conversationID]; ok {
			c.sendJSON(msg)
		}
	}
}

// BeginInflight announces a newly created run to current subscribers as an
// inflight_snapshot carrying its initial (empty) accumulated state.
func (h *Hub) BeginInflight(run inflight.Run) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastConversation(run.ConversationID, serverMessage{
		Type:           evtInflightSnapshot,
		ConversationID: run.ConversationID,
		Seq:            h.nextConvSeq(run.ConversationID),
		Inflight:       &run,
	})
}

// AssistantDelta folds one chunk of assistant text into the registry and, when
// the run accepts it, broadcasts it. Mutation and broadcast happen under the
// same lock as subscribeConversation: a concurrent catch-up snapshot either
// already contains the chunk and predates its broadcast seq, or contains
// neither. Stale ids are swallowed by the registry and nothing is broadcast.
func (h *Hub) AssistantDelta(conversationID, inflightID, text string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.registry.AppendAssistantDelta(conversationID, inflightID, text) {
		return false
	}
	h.broadcastConversation(conversationID, serverMessage{
		Type:           evtAssistantDelta,
		ConversationID: conversationID,
		Seq:            h.nextConvSeq(conversationID),
		InflightID:     inflightID,
		Delta:          text,
	})
	return true
}

// AnalysisUpdate folds one reasoning-item update into the registry and
// broadcasts the delta it produced, if any. Same snapshot atomicity as
// AssistantDelta.
func (h *Hub) AnalysisUpdate(conversationID, inflightID, itemID, fullText string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	delta, ok := h.registry.ReasoningUpdate(conversationID, inflightID, itemID, fullText)
	if !ok {
		return false
	}
	if delta == "" {
		return true
	}
	h.broadcastConversation(conversationID, serverMessage{
		Type:           evtAnalysisDelta,
		ConversationID: conversationID,
		Seq:            h.nextConvSeq(conversationID),
		InflightID:     inflightID,
		Delta:          delta,
	})
	return true
}

// ToolEvent merges one tool-call update into the registry and broadcasts the
// merged state. Same snapshot atomicity as AssistantDelta.
func (h *Hub) ToolEvent(conversationID, inflightID string, update inflight.ToolState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	merged, ok := h.registry.UpdateToolState(conversationID, inflightID, update)
	if !ok {
		return false
	}
	h.broadcastConversation(conversationID, serverMessage{
		Type:           evtToolEvent,
		ConversationID: conversationID,
		Seq:            h.nextConvSeq(conversationID),
		InflightID:     inflightID,
		Event:          &merged,
	})
	return true
}

// TurnFinal broadcasts the terminal status of a run. errMsg is non-empty only
// when the run failed.
func (h *Hub) TurnFinal(conversationID, inflightID string, status inflight.Status, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastConversation(conversationID, serverMessage{
		Type:           evtTurnFinal,
		ConversationID: conversationID,
		Seq:            h.nextConvSeq(conversationID),
		InflightID:     inflightID,
		Status:         status,
		Error:          errMsg,
	})
}

// EmitConversationUpsert broadcasts a sidebar upsert. Callers must invoke this
// only after the corresponding persistence write has committed.
func (h *Hub) EmitConversationUpsert(conversation any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sidebarSeq++
	msg := serverMessage{
		Type:         evtConversationUpsert,
		Seq:          seqValue(h.sidebarSeq),
		Conversation: conversation,
	}
	for c := range h.clients {
		if c.sidebar {
			c.sendJSON(msg)
		}
	}
}

// EmitConversationDelete broadcasts a sidebar delete. Same post-commit
// requirement as EmitConversationUpsert.
func (h *Hub) EmitConversationDelete(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sidebarSeq++
	msg := serverMessage{
		Type:           evtConversationDelete,
		Seq:            seqValue(h.sidebarSeq),
		ConversationID: conversationID,
	}
	for c := range h.clients {
		if c.sidebar {
			c.sendJSON(msg)
		}
	}
}
