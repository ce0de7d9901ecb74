package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultBaseURL is Together AI's OpenAI-compatible endpoint.
	DefaultBaseURL = "https://api.together.xyz/v1"
	DefaultModel   = "meta-llama/Llama-3.3-70B-Instruct-Turbo-Free"
)

// Message is a minimal chat message used by the extraction client.
// Role must be one of: "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Sampling holds the decoding parameters sent with every request.
type Sampling struct {
	MaxTokens         int      `yaml:"max_tokens"`
	Temperature       float32  `yaml:"temperature"`
	TopP              float32  `yaml:"top_p"`
	TopK              int      `yaml:"top_k"`
	RepetitionPenalty float32  `yaml:"repetition_penalty"`
	Stop              []string `yaml:"stop"`
}

func (s Sampling) extraBody() map[string]any {
	extra := map[string]any{"stream": false}
	if s.TopK > 0 {
		extra["top_k"] = s.TopK
	}
	if s.RepetitionPenalty > 0 {
		extra["repetition_penalty"] = s.RepetitionPenalty
	}
	return extra
}

// Client sends a full message history (system + prior turns + latest user)
// and returns the text of the first candidate completion.
type Client interface {
	Chat(ctx context.Context, messages []Message, sampling Sampling) (string, error)
}

// Config configures the OpenAI-compatible client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// Timeout bounds a whole request. Zero leaves it to the transport.
	Timeout time.Duration
}

// OpenAIClient calls an OpenAI-compatible chat completion API.
type OpenAIClient struct {
	client *openai.Client
	apiKey string
	model  string
}

// NewOpenAIClient constructs the client. A missing API key is not an error
// here; Chat reports it without touching the network.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = DefaultBaseURL
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &bodyRewriter{base: http.DefaultTransport},
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	log.Debug().
		Str("base_url", oc.BaseURL).
		Str("model", model).
		Dur("timeout", cfg.Timeout).
		Msg("creating completion client")

	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		apiKey: cfg.APIKey,
		model:  model,
	}
}

// Model returns the model identifier sent with each request.
func (c *OpenAIClient) Model() string { return c.model }

// Chat sends the message history to the chat completion API and returns the
// first candidate's content. There is no retry.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, sampling Sampling) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", ErrMissingCredential
	}

	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != openai.ChatMessageRoleSystem && role != openai.ChatMessageRoleUser && role != openai.ChatMessageRoleAssistant {
			// coerce anything unknown to user
			role = openai.ChatMessageRoleUser
		}
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    oaMsgs,
		MaxTokens:   sampling.MaxTokens,
		Temperature: sampling.Temperature,
		TopP:        sampling.TopP,
		Stop:        sampling.Stop,
	}
	resp, err := c.client.CreateChatCompletion(withExtraBody(ctx, sampling.extraBody()), req)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.Wrap(ErrInvalidResponse, "no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &TransportError{StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &TransportError{StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return errors.Wrapf(ErrInvalidResponse, "decode: %v", err)
	}
	return &TransportError{Err: err}
}
