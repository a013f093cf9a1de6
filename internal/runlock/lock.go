// ABOUTME: Conversation-scoped mutual exclusion for generation runs
// ABOUTME: Non-blocking TryAcquire/Release over a mutex-guarded set

package runlock

import "sync"

// Lock serializes generation runs per conversation. It is the only
// cross-cutting exclusion primitive in the coordinator: unrelated
// conversations never contend with each other.
//
// There is no queuing. A caller that fails TryAcquire must surface a
// conflict to its own caller rather than wait.
type Lock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// New creates an empty lock table.
func New() *Lock {
	return &Lock{held: make(map[string]struct{})}
}

// TryAcquire atomically grants the lock for the conversation iff it is not
// already held. Returns false otherwise; never blocks.
func (l *Lock) TryAcquire(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[conversationID]; taken {
		return false
	}
	l.held[conversationID] = struct{}{}
	return true
}

// Release unconditionally frees the lock for the conversation. Releasing a
// lock that is not held is a no-op, so callers can release in a defer that
// covers success, failure, and cancellation paths alike.
func (l *Lock) Release(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, conversationID)
}
