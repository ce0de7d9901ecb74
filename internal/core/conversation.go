package core

import (
	"sync"

	clone "github.com/huandu/go-clone"

	"healthsync/pkg"
)

// Conversation accumulates the ordered transcript of one intake. Turns are
// only ever appended; the full history is kept for the life of the
// conversation. What gets sent upstream is bounded separately by
// WindowPolicy.
type Conversation struct {
	mu    sync.RWMutex
	turns []pkg.Turn
}

// NewConversation seeds a conversation with existing turns, e.g. a history
// posted by a stateless client.
func NewConversation(turns ...pkg.Turn) *Conversation {
	c := &Conversation{}
	c.Append(turns...)
	return c
}

// Append adds turns to the end of the transcript as one step.
func (c *Conversation) Append(turns ...pkg.Turn) {
	if len(turns) == 0 {
		return
	}
	cp := clone.Clone(turns).([]pkg.Turn)
	c.mu.Lock()
	c.turns = append(c.turns, cp...)
	c.mu.Unlock()
}

// Snapshot returns a deep copy of the transcript.
func (c *Conversation) Snapshot() []pkg.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.turns) == 0 {
		return []pkg.Turn{}
	}
	return clone.Clone(c.turns).([]pkg.Turn)
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Count returns the number of turns authored by role.
func (c *Conversation) Count(role pkg.Role) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, t := range c.turns {
		if t.Role == role {
			n++
		}
	}
	return n
}
