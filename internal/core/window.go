package core

import (
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"

	"healthsync/pkg"
)

// perTurnOverhead approximates the role and framing tokens a chat API adds
// around every message.
const perTurnOverhead = 4

// TokenCounter estimates how many tokens a text costs.
type TokenCounter interface {
	Count(text string) int
}

type codecCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter returns a cl100k_base counter. It is an estimate for
// non-OpenAI models, which is all the window policy needs.
func NewTokenCounter() (TokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "load tokenizer")
	}
	return &codecCounter{codec: codec}, nil
}

func (c *codecCounter) Count(text string) int {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		// fall back to a rough chars-per-token ratio
		return len(text)/4 + 1
	}
	return len(ids)
}

// WindowPolicy bounds the history sent upstream. The stored transcript is
// never truncated. Zero values mean unbounded, which resends the full
// history every turn.
type WindowPolicy struct {
	MaxTurns  int
	MaxTokens int
}

func (p WindowPolicy) Unbounded() bool {
	return p.MaxTurns <= 0 && p.MaxTokens <= 0
}

// Apply returns the newest suffix of turns that fits the policy. reserved is
// the token cost already committed to the system prompt and latest input.
// The final turn is always kept so a pending user input is never dropped.
func (p WindowPolicy) Apply(turns []pkg.Turn, reserved int, counter TokenCounter) []pkg.Turn {
	if p.Unbounded() || len(turns) == 0 {
		return turns
	}
	budget := p.MaxTokens - reserved
	used := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		kept := len(turns) - i
		if i < len(turns)-1 {
			if p.MaxTurns > 0 && kept > p.MaxTurns {
				break
			}
		}
		if p.MaxTokens > 0 && counter != nil {
			cost := counter.Count(turns[i].Text()) + perTurnOverhead
			if i < len(turns)-1 && used+cost > budget {
				break
			}
			used += cost
		}
		start = i
	}
	return turns[start:]
}
