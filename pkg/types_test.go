package pkg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRole(t *testing.T) {
	cases := map[string]Role{
		"user":      RoleUser,
		"assistant": RoleAssistant,
		"bot":       RoleAssistant,
		" Model ":   RoleAssistant,
		"system":    RoleSystem,
		"doctor":    RoleUser,
		"":          RoleUser,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeRole(in), in)
	}
}

func TestTurnUnmarshalMixedHistory(t *testing.T) {
	raw := `[
		"bot: Hello! How can I help you today?",
		"I have a sore throat",
		{"role": "bot", "content": "Since when?"},
		{"role": "patient", "content": "two days"},
		{"role": "assistant", "content": {"status": "incomplete"}}
	]`
	var turns []Turn
	require.NoError(t, json.Unmarshal([]byte(raw), &turns))
	require.Len(t, turns, 5)

	assert.Equal(t, Turn{Role: RoleAssistant, Content: "Hello! How can I help you today?"}, turns[0])
	assert.Equal(t, Turn{Role: RoleUser, Content: "I have a sore throat"}, turns[1])
	assert.Equal(t, RoleAssistant, turns[2].Role)
	assert.Equal(t, RoleUser, turns[3].Role)
	assert.Equal(t, map[string]any{"status": "incomplete"}, turns[4].Content)
}

func TestTurnUnmarshalRejectsGarbage(t *testing.T) {
	var turn Turn
	assert.Error(t, json.Unmarshal([]byte(`42`), &turn))
}

func TestTurnText(t *testing.T) {
	assert.Equal(t, "hi", Turn{Content: "hi"}.Text())
	assert.Equal(t, "", Turn{}.Text())
	assert.JSONEq(t, `{"a":[1,2]}`, Turn{Content: map[string]any{"a": []int{1, 2}}}.Text())
	assert.Equal(t, `{"x":1}`, Turn{Content: json.RawMessage(`{"x":1}`)}.Text())
}
