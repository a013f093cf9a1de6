// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Conversation: A chat thread shown in the sidebar, with title and
//     archived flag. Ordered by last activity.
//   - Turn: The durable record of one finished generation. Written exactly
//     once, at finalization, with the final status (ok, stopped, failed),
//     the accumulated assistant and analysis text, and the tool call states
//     as JSON.
//
// In-flight generation state never touches the store; it lives in the
// inflight registry and is lost on restart. Only finished turns persist.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The schema is created automatically on first open. Timestamps are stored
// as RFC 3339 text.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/parley/gateway.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
// Not-found lookups return ErrNotFound; creating a conversation with a
// taken ID returns ErrDuplicateConversation.
package store
