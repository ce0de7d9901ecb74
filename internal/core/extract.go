package core

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"healthsync/internal/llm"
	"healthsync/internal/observability"
	"healthsync/pkg"
)

// Result is the outcome of one extraction call that reached the parse step.
// Record is nil when the reply was not a JSON object, which means the
// conversation continues with Raw as the assistant's follow-up.
type Result struct {
	Raw        string
	Record     map[string]any
	Complete   bool
	Validation *pkg.Validation
}

// Extractor turns a transcript into either a candidate structured record or
// a follow-up question.
type Extractor struct {
	llm       llm.Client
	prompt    *PromptConfig
	window    WindowPolicy
	tokens    TokenCounter
	metrics   *observability.Metrics
	assistant string
	now       func() time.Time
}

type ExtractorOption func(*Extractor)

func WithWindow(p WindowPolicy, counter TokenCounter) ExtractorOption {
	return func(e *Extractor) {
		e.window = p
		e.tokens = counter
	}
}

func WithMetrics(m *observability.Metrics) ExtractorOption {
	return func(e *Extractor) { e.metrics = m }
}

func WithClock(now func() time.Time) ExtractorOption {
	return func(e *Extractor) { e.now = now }
}

// NewExtractor builds an extractor for the prompt's variant.
func NewExtractor(client llm.Client, prompt *PromptConfig, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		llm:       client,
		prompt:    prompt,
		assistant: DefaultAssistant,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Variant is the schema variant this extractor asks for.
func (e *Extractor) Variant() Variant { return e.prompt.Variant }

// ForAssistant returns a copy that introduces itself as the given persona.
func (e *Extractor) ForAssistant(name string) *Extractor {
	c := *e
	c.assistant = NormalizeAssistant(name)
	return &c
}

// Extract sends the system instruction, the transcript and latestInput (when
// non-empty) upstream and interprets the reply.
//
// When the call reaches the parse step the conversation gains the user turn
// for latestInput (if any) followed by exactly one assistant turn holding
// the raw reply, whether or not it parsed. On any earlier failure the
// conversation is left unchanged and the error is returned.
func (e *Extractor) Extract(ctx context.Context, conv *Conversation, latestInput string) (*Result, error) {
	if conv == nil {
		return nil, errors.New("extract: nil conversation")
	}
	variant := string(e.prompt.Variant)

	system, err := e.prompt.Render(e.assistant, e.now())
	if err != nil {
		return nil, err
	}
	messages := e.buildMessages(system, conv.Snapshot(), latestInput)

	log.Debug().
		Str("variant", variant).
		Str("assistant", e.assistant).
		Int("messages", len(messages)).
		Msg("dispatching extraction request")

	started := time.Now()
	raw, err := e.llm.Chat(ctx, messages, e.prompt.Sampling)
	e.metrics.ObserveUpstreamLatency(time.Since(started))
	if err != nil {
		code := ErrorCode(err)
		e.metrics.ObserveUpstreamError(code)
		e.metrics.ObserveExtraction(variant, "error")
		log.Error().Err(err).Str("variant", variant).Str("code", code).Msg("extraction request failed")
		return nil, err
	}

	turns := make([]pkg.Turn, 0, 2)
	if latestInput != "" {
		turns = append(turns, pkg.Turn{Role: pkg.RoleUser, Content: latestInput})
	}
	turns = append(turns, pkg.Turn{Role: pkg.RoleAssistant, Content: raw})
	conv.Append(turns...)

	res := &Result{Raw: raw}
	record, err := ParseRecord(raw)
	if err != nil {
		log.Debug().Err(err).Str("variant", variant).Msg("reply is not a record, continuing conversation")
		e.metrics.ObserveExtraction(variant, "collecting")
		return res, nil
	}
	res.Record = record
	res.Complete = IsComplete(e.prompt.Variant, record)

	v, err := Validate(e.prompt.Variant, []byte(raw))
	if err != nil {
		log.Warn().Err(err).Str("variant", variant).Msg("could not validate record")
	} else {
		res.Validation = &v
		if !v.Valid {
			e.metrics.ObserveSchemaViolation(variant)
			log.Warn().Str("variant", variant).Strs("violations", v.Errors).Msg("record does not match schema")
		}
	}

	outcome := "record"
	if res.Complete {
		outcome = "complete"
	}
	e.metrics.ObserveExtraction(variant, outcome)
	return res, nil
}

func (e *Extractor) buildMessages(system string, history []pkg.Turn, latestInput string) []llm.Message {
	if !e.window.Unbounded() {
		reserved := 0
		if e.tokens != nil {
			reserved = e.tokens.Count(system) + perTurnOverhead
			if latestInput != "" {
				reserved += e.tokens.Count(latestInput) + perTurnOverhead
			}
		}
		full := len(history)
		history = e.window.Apply(history, reserved, e.tokens)
		if dropped := full - len(history); dropped > 0 {
			log.Debug().Int("dropped", dropped).Int("kept", len(history)).Msg("context window applied")
		}
	}

	out := make([]llm.Message, 0, len(history)+2)
	out = append(out, llm.Message{Role: string(pkg.RoleSystem), Content: system})
	for _, t := range history {
		out = append(out, llm.Message{Role: string(t.Role), Content: t.Text()})
	}
	if latestInput != "" {
		out = append(out, llm.Message{Role: string(pkg.RoleUser), Content: latestInput})
	}
	return out
}

// ParseRecord strictly decodes a reply as a JSON object. It is a pure
// function of text.
func ParseRecord(raw string) (map[string]any, error) {
	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &record); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errors.New("reply is JSON null")
	}
	return record, nil
}

// IsComplete decides whether a parsed record ends data collection. An
// explicit "status" field wins. Without it, a record that still carries a
// next question is not complete, whatever the variant.
func IsComplete(_ Variant, record map[string]any) bool {
	if status, ok := record["status"].(string); ok {
		return strings.EqualFold(strings.TrimSpace(status), pkg.StatusComplete)
	}
	q, _ := record["next_question"].(string)
	return strings.TrimSpace(q) == ""
}

// ErrorCode maps an extraction error onto the API error codes.
func ErrorCode(err error) string {
	var te *llm.TransportError
	switch {
	case errors.Is(err, llm.ErrMissingCredential):
		return "configuration_error"
	case errors.As(err, &te), errors.Is(err, llm.ErrInvalidResponse):
		return "upstream_error"
	default:
		return "internal_error"
	}
}
