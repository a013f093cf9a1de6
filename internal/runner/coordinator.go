// ABOUTME: Cancellation coordinator: one idempotent stop path shared by WS messages, the REST endpoint, and disconnects
// ABOUTME: Invokes the run's cancel hook, finalizes as stopped, then broadcasts turn_final and persists exactly once

package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/inflight"
	"github.com/2389/parley-gateway/internal/store"
)

// Coordinator stops active runs. All three cancel surfaces (push control
// message, REST endpoint, disconnect handling inside the Runner) converge on
// the registry's Finalize contract, which is what makes a second cancel for
// the same run a guaranteed no-op.
type Coordinator struct {
	registry *inflight.Registry
	hub      Broadcaster
	turns    TurnStore
	logger   *slog.Logger
}

// NewCoordinator creates a cancellation coordinator. turns may be nil.
func NewCoordinator(registry *inflight.Registry, hub Broadcaster, turns TurnStore, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		hub:      hub,
		turns:    turns,
		logger:   logger.With("component", "cancel"),
	}
}

// Cancel stops the run iff both ids match the conversation's active run.
// Returns true when this call performed the stop; false when the run was
// absent, mismatched, or already terminal. Cancellation is cooperative: the
// run's cancel hook is invoked and the adapter is expected to stop emitting.
func (c *Coordinator) Cancel(conversationID, inflightID string) bool {
	c.registry.InvokeCancel(conversationID, inflightID)

	snap, outcome := c.registry.Finalize(conversationID, inflightID, inflight.StatusStopped)
	if outcome != inflight.Finalized {
		return false
	}

	c.hub.TurnFinal(conversationID, inflightID, inflight.StatusStopped, "")
	persistTurn(c.turns, c.logger, snap)
	c.logger.Info("run cancelled",
		"conversation_id", conversationID,
		"inflight_id", inflightID)
	return true
}

// CancelInflight implements the hub's Canceler, where a stale cancel is a
// silent no-op.
func (c *Coordinator) CancelInflight(conversationID, inflightID string) bool {
	return c.Cancel(conversationID, inflightID)
}

// persistTurn writes the final snapshot on a background context so a dying
// request cannot abort the write. Shared by the run driver and the
// coordinator; whichever finalized the run persists it.
func persistTurn(ts TurnStore, logger *slog.Logger, snap inflight.Run) {
	if ts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	toolsJSON := ""
	if len(snap.Tools) > 0 {
		data, err := json.Marshal(snap.Tools)
		if err != nil {
			logger.Error("failed to marshal tool states", "error", err)
		} else {
			toolsJSON = string(data)
		}
	}

	turn := &store.Turn{
		ID:             uuid.NewString(),
		ConversationID: snap.ConversationID,
		InflightID:     snap.InflightID,
		Status:         string(snap.Status),
		AssistantText:  snap.AssistantText,
		AnalysisText:   snap.AnalysisText,
		ToolsJSON:      toolsJSON,
		StartedAt:      snap.StartedAt,
		FinishedAt:     time.Now().UTC(),
	}
	if err := ts.SaveTurn(ctx, turn); err != nil {
		logger.Error("failed to persist turn",
			"conversation_id", snap.ConversationID,
			"inflight_id", snap.InflightID,
			"error", err)
	}
}
