// ABOUTME: Store interface and data types for parley-gateway persistence
// ABOUTME: Defines Conversation, Turn structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation that already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// Conversation is one persisted chat thread shown in the sidebar
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Turn is the durable record of one finished generation: the final snapshot
// of an inflight run, written once at finalization
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	InflightID     string    `json:"inflightId"`
	Status         string    `json:"status"`
	AssistantText  string    `json:"assistantText"`
	AnalysisText   string    `json:"analysisText,omitempty"`
	ToolsJSON      string    `json:"toolsJson,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
}

// Store defines the interface for conversation and turn persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	DeleteConversation(ctx context.Context, id string) error

	// Turns
	SaveTurn(ctx context.Context, turn *Turn) error
	ListTurns(ctx context.Context, conversationID string, limit int) ([]*Turn, error)

	// Close releases any resources held by the store
	Close() error
}
