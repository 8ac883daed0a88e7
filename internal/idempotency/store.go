// Package idempotency implements the subscriber-side dedup store described
// in spec.md §9: a bounded (sessionId, eventId) -> handledAt map to drop
// events already processed after a reconnect, and a sessionId -> maxCursor
// map so a resuming subscriber knows where to ask the server to replay
// from. It is a library any subscriber embeds; the bundled reference
// client (cmd/pushpalsctl) is the first caller.
package idempotency

import (
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

type handledKey struct {
	sessionID string
	eventID   uuid.UUID
}

// Store is safe for concurrent use.
type Store struct {
	handled *lru.Cache[handledKey, struct{}]

	mu      sync.Mutex
	cursors map[string]int64
}

// New returns a Store whose handled-event cache holds up to capacity
// entries before evicting the least recently used.
func New(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	handled, err := lru.New[handledKey, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &Store{handled: handled, cursors: make(map[string]int64)}, nil
}

// SeenOrMark reports whether (sessionID, eventID) was already marked
// handled. If not, it marks it handled and returns false — the standard
// "claim this event" check-and-set used right before processing an
// incoming event.
func (s *Store) SeenOrMark(sessionID string, eventID uuid.UUID) bool {
	key := handledKey{sessionID: sessionID, eventID: eventID}
	if s.handled.Contains(key) {
		return true
	}
	s.handled.Add(key, struct{}{})
	return false
}

// Advance records cursor as the highest cursor observed for sessionID, if
// it is greater than what is already recorded.
func (s *Store) Advance(sessionID string, cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor > s.cursors[sessionID] {
		s.cursors[sessionID] = cursor
	}
}

// ResumeCursor returns the highest cursor seen for sessionID, or 0 if none
// — the value to pass as `after` when reconnecting.
func (s *Store) ResumeCursor(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[sessionID]
}
