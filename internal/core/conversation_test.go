package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsync/pkg"
)

func TestConversationKeepsOrder(t *testing.T) {
	c := NewConversation(pkg.Turn{Role: pkg.RoleAssistant, Content: Greeting})
	c.Append(pkg.Turn{Role: pkg.RoleUser, Content: "first"})
	c.Append(pkg.Turn{Role: pkg.RoleAssistant, Content: "second"}, pkg.Turn{Role: pkg.RoleUser, Content: "third"})

	got := c.Snapshot()
	require.Len(t, got, 4)
	assert.Equal(t, Greeting, got[0].Content)
	assert.Equal(t, "first", got[1].Content)
	assert.Equal(t, "second", got[2].Content)
	assert.Equal(t, "third", got[3].Content)
	assert.Equal(t, 2, c.Count(pkg.RoleUser))
}

func TestConversationSnapshotIsDeepCopy(t *testing.T) {
	record := map[string]any{"summary": "cough", "symptoms": []any{"cough"}}
	c := NewConversation(pkg.Turn{Role: pkg.RoleAssistant, Content: record})

	// mutating the caller's value after Append must not leak in
	record["summary"] = "changed"

	snap := c.Snapshot()
	inner := snap[0].Content.(map[string]any)
	assert.Equal(t, "cough", inner["summary"])

	inner["summary"] = "mutated"
	inner["symptoms"].([]any)[0] = "mutated"
	again := c.Snapshot()[0].Content.(map[string]any)
	assert.Equal(t, "cough", again["summary"])
	assert.Equal(t, "cough", again["symptoms"].([]any)[0])
}

func TestConversationEmptySnapshot(t *testing.T) {
	c := NewConversation()
	snap := c.Snapshot()
	assert.NotNil(t, snap)
	assert.Empty(t, snap)
	assert.Zero(t, c.Len())
}

func TestConversationConcurrentAppend(t *testing.T) {
	c := NewConversation()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Append(pkg.Turn{Role: pkg.RoleUser, Content: "x"}, pkg.Turn{Role: pkg.RoleAssistant, Content: "y"})
		}()
	}
	wg.Wait()

	turns := c.Snapshot()
	require.Len(t, turns, 100)
	for i := 0; i < len(turns); i += 2 {
		assert.Equal(t, pkg.RoleUser, turns[i].Role)
		assert.Equal(t, pkg.RoleAssistant, turns[i+1].Role)
	}
}
