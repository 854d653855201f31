// Package presence tracks which usernames are currently composing a message.
// The state lives in memory only and resets to empty on process restart.
package presence

import (
	"sort"
	"sync"
)

// Tracker maps usernames to their current typing state. All methods are safe
// for concurrent use by multiple connection handlers.
type Tracker struct {
	mu     sync.Mutex
	typing map[string]struct{}
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		typing: make(map[string]struct{}),
	}
}

// SetTyping records whether username is typing. Setting the same state twice
// is a no-op. An entry is only ever cleared by an explicit stop signal; there
// is no timeout at this layer.
func (t *Tracker) SetTyping(username string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if isTyping {
		t.typing[username] = struct{}{}
	} else {
		delete(t.typing, username)
	}
}

// ActiveTypers returns the usernames currently typing. The result is sorted
// so repeated broadcasts of the same set serialize to identical bytes.
func (t *Tracker) ActiveTypers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]string, 0, len(t.typing))
	for username := range t.typing {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}
