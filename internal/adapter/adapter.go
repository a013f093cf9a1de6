// ABOUTME: Canonical event vocabulary emitted by chat backend adapters
// ABOUTME: Defines the ChatAdapter interface every backend must implement

package adapter

import (
	"context"
)

// EventType indicates the type of a canonical stream event.
type EventType int

const (
	EventThread      EventType = iota // backend thread/session metadata
	EventToken                        // assistant text delta
	EventAnalysis                     // reasoning item update (full accumulated text)
	EventToolRequest                  // backend requested a tool call
	EventToolResult                   // a tool call resolved
	EventFinal                        // full assistant text, for non-streaming backends
	EventComplete                     // terminal: generation finished cleanly
	EventError                        // terminal: generation failed
)

// Event is one entry in the canonical stream. Exactly the payload fields for
// its type are set; everything else is zero.
type Event struct {
	Type        EventType
	ThreadID    string // EventThread
	Text        string // EventToken: delta; EventFinal: full response
	Analysis    *AnalysisUpdate
	ToolRequest *ToolRequest
	ToolResult  *ToolResult
	Error       string // EventError
}

// AnalysisUpdate carries one reasoning-item update. Text is the item's full
// accumulated text so far, not a delta; the registry computes deltas from it.
type AnalysisUpdate struct {
	ItemID string
	Text   string
}

// ToolRequest announces a tool call the backend wants executed.
type ToolRequest struct {
	ID     string
	Name   string
	Stage  string
	Params string // JSON arguments as emitted by the backend
}

// ToolResult resolves a previously announced tool call.
type ToolResult struct {
	ID      string
	Result  string // JSON result payload
	IsError bool
	Error   string
}

// Request identifies the run an adapter is driving and the user input that
// started it.
type Request struct {
	ConversationID string
	InflightID     string
	Content        string
}

// ChatAdapter produces the canonical event stream for one generation.
//
// The returned channel is closed after a terminal event (EventComplete or
// EventError) or once ctx is cancelled. Cancellation is cooperative: the
// adapter must observe ctx at every suspension point and stop emitting; the
// coordinator never forcibly terminates adapter work.
type ChatAdapter interface {
	Stream(ctx context.Context, req *Request) (<-chan *Event, error)
}

// StreamFunc adapts a function to the ChatAdapter interface.
type StreamFunc func(ctx context.Context, req *Request) (<-chan *Event, error)

// Stream calls f.
func (f StreamFunc) Stream(ctx context.Context, req *Request) (<-chan *Event, error) {
	return f(ctx, req)
}
