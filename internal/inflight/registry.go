// ABOUTME: In-memory registry of active generation runs, one per conversation
// ABOUTME: Owns delta accumulation, tool-call state, and idempotent finalization

package inflight

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// ToolStatus is the lifecycle state of a single tool call within a run.
type ToolStatus string

const (
	ToolRequesting ToolStatus = "requesting"
	ToolDone       ToolStatus = "done"
	ToolError      ToolStatus = "error"
)

// ToolState tracks one tool call, keyed by the call id the backend assigned.
// Updates merge field-by-field: params set when the call is first sighted
// survive a later update that only carries the result.
type ToolState struct {
	ID     string          `json:"id"`
	Name   string          `json:"name,omitempty"`
	Status ToolStatus      `json:"status"`
	Stage  string          `json:"stage,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Run is a point-in-time snapshot of an active generation. Snapshots are
// copies; mutating one never touches registry state.
type Run struct {
	ConversationID string      `json:"conversationId"`
	InflightID     string      `json:"inflightId"`
	Status         Status      `json:"status"`
	AssistantText  string      `json:"assistantText"`
	AnalysisText   string      `json:"analysisText"`
	Tools          []ToolState `json:"tools"`
	StartedAt      time.Time   `json:"startedAt"`
}

// FinalizeOutcome reports whether Finalize transitioned the run to a terminal
// status or found no matching active run. The explicit outcome (rather than a
// nil sentinel) is what makes double-finalization a checkable no-op.
type FinalizeOutcome int

const (
	Finalized FinalizeOutcome = iota
	AlreadyTerminal
)

// entry is the mutable registry record behind a Run snapshot.
type entry struct {
	run       Run
	cancel    context.CancelFunc
	toolOrder []string             // call ids in first-sighting order
	tools     map[string]*ToolState
	cursors   map[string]string // reasoning item id -> last emitted full text
}

// Registry tracks at most one active run per conversation. All operations
// are serialized on an internal mutex; callers on any goroutine get a
// consistent view.
type Registry struct {
	mu     sync.Mutex
	active map[string]*entry
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active: make(map[string]*entry),
		logger: logger.With("component", "inflight"),
	}
}

// CreateRequest carries the inputs for CreateOrGetActive. InflightID is
// generated when empty. Cancel is the cooperative cancellation hook captured
// at run creation; it may be nil for runs that cannot be cancelled.
type CreateRequest struct {
	ConversationID string
	InflightID     string
	Cancel         context.CancelFunc
}

// CreateOrGetActive returns the conversation's active run, creating one iff
// none exists. When a run is already active it is returned untouched — the
// supplied inflight id and cancel hook are ignored. This idempotence is what
// lets a REST initiator and a late WS catch-up race safely.
func (r *Registry) CreateOrGetActive(req CreateRequest) Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.active[req.ConversationID]; ok {
		return snapshotLocked(e)
	}

	id := req.InflightID
	if id == "" {
		id = uuid.New().String()
	}
	e := &entry{
		run: Run{
			ConversationID: req.ConversationID,
			InflightID:     id,
			Status:         StatusRunning,
			StartedAt:      time.Now(),
		},
		cancel:  req.Cancel,
		tools:   make(map[string]*ToolState),
		cursors: make(map[string]string),
	}
	r.active[req.ConversationID] = e

	r.logger.Debug("run created",
		"conversation_id", req.ConversationID,
		"inflight_id", id)
	return snapshotLocked(e)
}

// GetActive returns a snapshot of the conversation's active run, if any.
func (r *Registry) GetActive(conversationID string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.active[conversationID]
	if !ok {
		return Run{}, false
	}
	return snapshotLocked(e), true
}

// AppendAssistantDelta appends text to the run's assistant output. A stale or
// mismatched inflight id is swallowed: a slow event from a finalized run must
// never resurrect or corrupt state.
func (r *Registry) AppendAssistantDelta(conversationID, inflightID, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.matchLocked(conversationID, inflightID)
	if !ok {
		return false
	}
	e.run.AssistantText += text
	return true
}

// ReasoningUpdate folds one reasoning-item update into the analysis stream
// and returns the delta that was appended. Backends stream reasoning as
// discrete items, each a growing string; a new item may be unrelated to the
// previous one's text. Per item id:
//
//   - fullText extends the last emitted text: emit only the new suffix
//   - anything else counts as a reset: emit fullText in full, never a
//     computed diff, so no content is silently truncated
//
// Items are never merged across ids. The prefix check is a heuristic — an
// upstream renumbering that breaks the prefix relation re-emits the item —
// but backends give us no explicit boundary signal to do better with.
func (r *Registry) ReasoningUpdate(conversationID, inflightID, itemID, fullText string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.matchLocked(conversationID, inflightID)
	if !ok {
		return "", false
	}

	last := e.cursors[itemID]
	var delta string
	if strings.HasPrefix(fullText, last) {
		delta = fullText[len(last):]
	} else {
		delta = fullText
	}
	e.cursors[itemID] = fullText
	e.run.AnalysisText += delta
	return delta, true
}

// UpdateToolState upserts the tool call keyed by update.ID, merging the set
// fields of update into any existing state. Returns the merged snapshot for
// broadcast. Stale ids are swallowed as elsewhere.
func (r *Registry) UpdateToolState(conversationID, inflightID string, update ToolState) (ToolState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.matchLocked(conversationID, inflightID)
	if !ok || update.ID == "" {
		return ToolState{}, false
	}

	ts, exists := e.tools[update.ID]
	if !exists {
		ts = &ToolState{ID: update.ID, Status: ToolRequesting}
		e.tools[update.ID] = ts
		e.toolOrder = append(e.toolOrder, update.ID)
	}
	if update.Name != "" {
		ts.Name = update.Name
	}
	if update.Status != "" {
		ts.Status = update.Status
	}
	if update.Stage != "" {
		ts.Stage = update.Stage
	}
	if update.Params != nil {
		ts.Params = update.Params
	}
	if update.Result != nil {
		ts.Result = update.Result
	}
	if update.Error != "" {
		ts.Error = update.Error
	}
	return *ts, true
}

// Finalize marks the run terminal and removes it from the registry, returning
// the final snapshot. A second call for the same run — or any call with a
// mismatched id — reports AlreadyTerminal and changes nothing, which is the
// whole idempotence contract cancellation rests on.
func (r *Registry) Finalize(conversationID, inflightID string, status Status) (Run, FinalizeOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.matchLocked(conversationID, inflightID)
	if !ok {
		return Run{}, AlreadyTerminal
	}

	e.run.Status = status
	snap := snapshotLocked(e)
	delete(r.active, conversationID)

	r.logger.Debug("run finalized",
		"conversation_id", conversationID,
		"inflight_id", inflightID,
		"status", string(status))
	return snap, Finalized
}

// InvokeCancel runs the cancel hook captured at run creation, if the ids
// match the active run. The hook is invoked outside the registry lock.
func (r *Registry) InvokeCancel(conversationID, inflightID string) bool {
	r.mu.Lock()
	e, ok := r.matchLocked(conversationID, inflightID)
	var cancel context.CancelFunc
	if ok {
		cancel = e.cancel
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if cancel != nil {
		cancel()
	}
	return true
}

// matchLocked returns the active entry iff both ids match. Caller holds r.mu.
func (r *Registry) matchLocked(conversationID, inflightID string) (*entry, bool) {
	e, ok := r.active[conversationID]
	if !ok || e.run.InflightID != inflightID {
		return nil, false
	}
	return e, true
}

// snapshotLocked deep-copies the entry's run state. Caller holds r.mu.
func snapshotLocked(e *entry) Run {
	snap := e.run
	snap.Tools = make([]ToolState, 0, len(e.toolOrder))
	for _, id := range e.toolOrder {
		snap.Tools = append(snap.Tools, *e.tools[id])
	}
	return snap
}
