// ABOUTME: Run driver: acquires the conversation lock, registers the inflight run, and pumps adapter events
// ABOUTME: Accumulates every event into the registry and mirrors it to the hub, then finalizes and persists

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/adapter"
	"github.com/2389/parley-gateway/internal/inflight"
	"github.com/2389/parley-gateway/internal/runlock"
	"github.com/2389/parley-gateway/internal/store"
)

// ErrRunInProgress is returned when the conversation's run lock is already held.
var ErrRunInProgress = errors.New("run already in progress for conversation")

// Broadcaster owns the registry-mutation side of each transcript event and
// mirrors accepted mutations to push subscribers. Folding the mutation and the
// broadcast into one call lets the hub perform both under a single lock, which
// is what keeps catch-up snapshots consistent with the delta stream. *hub.Hub
// satisfies it; tests substitute a recorder wrapping the same registry.
type Broadcaster interface {
	BeginInflight(run inflight.Run)
	AssistantDelta(conversationID, inflightID, text string) bool
	AnalysisUpdate(conversationID, inflightID, itemID, fullText string) bool
	ToolEvent(conversationID, inflightID string, update inflight.ToolState) bool
	TurnFinal(conversationID, inflightID string, status inflight.Status, errMsg string)
}

// TurnStore persists the final snapshot of a finished run. May be nil when
// persistence is not wired (tests, fake backends).
type TurnStore interface {
	SaveTurn(ctx context.Context, turn *store.Turn) error
}

// Runner drives generations against a chat backend. One Runner serves all
// conversations; the per-conversation lock serializes runs within each.
type Runner struct {
	registry *inflight.Registry
	locks    *runlock.Lock
	hub      Broadcaster
	turns    TurnStore
	logger   *slog.Logger
}

// New creates a run driver. turns may be nil.
func New(registry *inflight.Registry, locks *runlock.Lock, hub Broadcaster, turns TurnStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry: registry,
		locks:    locks,
		hub:      hub,
		turns:    turns,
		logger:   logger.With("component", "runner"),
	}
}

// StartRequest describes one generation to drive. InflightID is generated
// when empty. CancelOnDisconnect defaults to true: losing the initiating
// connection aborts the run. Set it to false to detach the run from the
// connection so it finishes in the background.
type StartRequest struct {
	ConversationID     string
	InflightID         string
	Content            string
	CancelOnDisconnect *bool
}

// Handle is the initiator's view of a started run. Events carries a best-effort
// copy of the canonical stream for response streaming; a slow or disconnected
// reader never stalls the run. FinalStatus receives exactly one value when the
// run reaches a terminal state.
type Handle struct {
	Run         inflight.Run
	Events      <-chan *adapter.Event
	FinalStatus <-chan inflight.Status
}

// Start acquires the conversation's run lock, registers the inflight run, and
// begins consuming the adapter's event stream on a new goroutine. Returns
// ErrRunInProgress when another run holds the lock. connCtx is the initiating
// connection's context; its cancellation aborts the run only under the
// default disconnect policy.
func (r *Runner) Start(connCtx context.Context, chat adapter.ChatAdapter, req StartRequest) (*Handle, error) {
	if req.ConversationID == "" {
		return nil, errors.New("conversationID is required")
	}
	if !r.locks.TryAcquire(req.ConversationID) {
		return nil, ErrRunInProgress
	}

	autoCancel := req.CancelOnDisconnect == nil || *req.CancelOnDisconnect
	parent := context.Background()
	if autoCancel {
		parent = connCtx
	}
	runCtx, cancelRun := context.WithCancel(parent)

	inflightID := req.InflightID
	if inflightID == "" {
		inflightID = uuid.NewString()
	}

	run := r.registry.CreateOrGetActive(inflight.CreateRequest{
		ConversationID: req.ConversationID,
		InflightID:     inflightID,
		Cancel:         cancelRun,
	})
	r.hub.BeginInflight(run)

	events, err := chat.Stream(runCtx, &adapter.Request{
		ConversationID: run.ConversationID,
		InflightID:     run.InflightID,
		Content:        req.Content,
	})
	if err != nil {
		cancelRun()
		r.finish(run.ConversationID, run.InflightID, inflight.StatusFailed, err.Error())
		r.locks.Release(run.ConversationID)
		return nil, fmt.Errorf("starting adapter stream: %w", err)
	}

	r.logger.Info("run started",
		"conversation_id", run.ConversationID,
		"inflight_id", run.InflightID,
		"auto_cancel", autoCancel)

	out := make(chan *adapter.Event, 64)
	final := make(chan inflight.Status, 1)
	go r.consume(runCtx, cancelRun, run, events, out, final)

	return &Handle{Run: run, Events: out, FinalStatus: final}, nil
}

// consume pumps the adapter stream until it closes, folding each event into
// the registry via the hub so accumulation and broadcast stay atomic with
// respect to subscription.
func (r *Runner) consume(runCtx context.Context, cancelRun context.CancelFunc, run inflight.Run, events <-chan *adapter.Event, out chan<- *adapter.Event, final chan<- inflight.Status) {
	defer r.locks.Release(run.ConversationID)
	defer cancelRun()
	defer close(out)

	conv, id := run.ConversationID, run.InflightID
	status := inflight.StatusFailed
	errMsg := "adapter stream ended without terminal event"

	for ev := range events {
		r.apply(conv, id, ev)
		select {
		case out <- ev:
		default:
			// Reader gone or slow; the run itself keeps going.
		}

		switch ev.Type {
		case adapter.EventComplete:
			status, errMsg = inflight.StatusOK, ""
		case adapter.EventError:
			status, errMsg = inflight.StatusFailed, ev.Error
		}
	}

	// Channel closed. A cancelled context means a cooperative stop, not a
	// backend failure, unless the stream already reported terminal.
	if status == inflight.StatusFailed && errMsg == "adapter stream ended without terminal event" && runCtx.Err() != nil {
		status, errMsg = inflight.StatusStopped, ""
	}

	finalStatus := r.finish(conv, id, status, errMsg)
	final <- finalStatus
}

// apply folds one canonical event through the hub, which mutates the registry
// and broadcasts the accepted result as a single step. Stale events after
// finalization are swallowed there and never reach the wire.
func (r *Runner) apply(conv, id string, ev *adapter.Event) {
	switch ev.Type {
	case adapter.EventToken:
		r.hub.AssistantDelta(conv, id, ev.Text)
	case adapter.EventAnalysis:
		if ev.Analysis == nil {
			return
		}
		r.hub.AnalysisUpdate(conv, id, ev.Analysis.ItemID, ev.Analysis.Text)
	case adapter.EventToolRequest:
		if ev.ToolRequest == nil {
			return
		}
		update := inflight.ToolState{
			ID:     ev.ToolRequest.ID,
			Name:   ev.ToolRequest.Name,
			Status: inflight.ToolRequesting,
			Stage:  ev.ToolRequest.Stage,
		}
		if ev.ToolRequest.Params != "" {
			update.Params = json.RawMessage(ev.ToolRequest.Params)
		}
		r.hub.ToolEvent(conv, id, update)
	case adapter.EventToolResult:
		if ev.ToolResult == nil {
			return
		}
		update := inflight.ToolState{
			ID:     ev.ToolResult.ID,
			Status: inflight.ToolDone,
		}
		if ev.ToolResult.IsError {
			update.Status = inflight.ToolError
			update.Error = ev.ToolResult.Error
		}
		if ev.ToolResult.Result != "" {
			update.Result = json.RawMessage(ev.ToolResult.Result)
		}
		r.hub.ToolEvent(conv, id, update)
	case adapter.EventFinal:
		// Non-streaming backends deliver the whole response here; streaming
		// ones have already accumulated it token by token.
		snap, ok := r.registry.GetActive(conv)
		if ok && snap.AssistantText == "" && ev.Text != "" {
			r.hub.AssistantDelta(conv, id, ev.Text)
		}
	}
}

// finish finalizes the run, and iff this caller won the finalization race,
// broadcasts turn_final and persists the turn. Losing the race means another
// path (typically an explicit cancel) already did both.
func (r *Runner) finish(conv, id string, status inflight.Status, errMsg string) inflight.Status {
	snap, outcome := r.registry.Finalize(conv, id, status)
	if outcome != inflight.Finalized {
		return status
	}

	r.hub.TurnFinal(conv, id, status, errMsg)
	persistTurn(r.turns, r.logger, snap)
	r.logger.Info("run finished",
		"conversation_id", conv,
		"inflight_id", id,
		"status", string(status))
	return status
}
