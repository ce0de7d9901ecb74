package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsync/internal/core"
	"healthsync/internal/llm"
	"healthsync/internal/observability"
)

type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]llm.Message
}

func (f *scriptedLLM) Chat(_ context.Context, messages []llm.Message, _ llm.Sampling) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "Anything else?", nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func newTestServer(t *testing.T, variant core.Variant, client llm.Client) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)
	prompt, err := core.LoadPrompt(variant)
	require.NoError(t, err)
	ex := core.NewExtractor(client, prompt, core.WithMetrics(metrics))
	chat := core.NewChatService(ex, core.NewSessionStore(time.Minute), 50, metrics)

	ts := httptest.NewServer(NewServer(chat, metrics, reg, "test-model").Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return res, out
}

func TestAgentGetPlaceholder(t *testing.T) {
	ts := newTestServer(t, core.VariantIntake, &scriptedLLM{})
	res, body := doJSON(t, http.MethodGet, ts.URL+"/api/agent", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, map[string]any{"name": "John Doe"}, body)
}

func TestAgentReturnsParsedRecord(t *testing.T) {
	client := &scriptedLLM{replies: []string{
		`{"charting_information":{"content":"Headache 3 days","type":"message"},"next_question":"Any nausea?"}`,
	}}
	ts := newTestServer(t, core.VariantChartDelta, client)

	res, body := doJSON(t, http.MethodPost, ts.URL+"/api/agent", map[string]any{
		"conversationHistory": []any{
			"bot: Hello! How can I help you today?",
			"I have had a headache for three days",
		},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Any nausea?", body["next_question"])

	require.Len(t, client.calls, 1)
	msgs := client.calls[0]
	require.Len(t, msgs, 3)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Hello! How can I help you today?", msgs[1].Content)
	assert.Equal(t, llm.Message{Role: "user", Content: "I have had a headache for three days"}, msgs[2])
}

func TestAgentMalformedOutputIs500WithReply(t *testing.T) {
	ts := newTestServer(t, core.VariantSOAP, &scriptedLLM{replies: []string{"Could you describe the pain?"}})

	res, body := doJSON(t, http.MethodPost, ts.URL+"/api/agent", map[string]any{
		"conversationHistory": []any{map[string]string{"role": "user", "content": "it hurts"}},
	})
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "malformed_output", body["code"])
	assert.Equal(t, "Could you describe the pain?", body["reply"])
}

func TestAgentErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"missing credential", llm.ErrMissingCredential, "configuration_error", false},
		{"rate limited", &llm.TransportError{StatusCode: 429}, "upstream_error", true},
		{"bad request", &llm.TransportError{StatusCode: 400}, "upstream_error", false},
		{"no choices", llm.ErrInvalidResponse, "upstream_error", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, core.VariantIntake, &scriptedLLM{err: tc.err})
			res, body := doJSON(t, http.MethodPost, ts.URL+"/api/agent", map[string]any{
				"conversationHistory": []any{"hello"},
			})
			assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
			assert.Equal(t, tc.code, body["code"])
			assert.Equal(t, tc.retryable, body["retryable"] == true)
		})
	}
}

func TestAgentBadRequest(t *testing.T) {
	ts := newTestServer(t, core.VariantIntake, &scriptedLLM{})

	res, _ := doJSON(t, http.MethodPost, ts.URL+"/api/agent", "{not json")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = doJSON(t, http.MethodPost, ts.URL+"/api/agent", map[string]any{"conversationHistory": []any{}})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	client := &scriptedLLM{replies: []string{
		"How old are you?",
		`{"patient_id":"p","summary":"s","status":"complete"}`,
	}}
	ts := newTestServer(t, core.VariantIntake, client)

	res, created := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", map[string]string{"assistant": "Eli"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id, _ := created["session_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "Eli", created["assistant"])
	assert.Equal(t, core.Greeting, created["greeting"])
	assert.Equal(t, "collecting", created["state"])

	base := ts.URL + "/api/sessions/" + id

	res, body := doJSON(t, http.MethodPost, base+"/messages", map[string]string{"content": "I have a cough"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "How old are you?", body["reply"])
	assert.Equal(t, "collecting", body["state"])

	res, body = doJSON(t, http.MethodPost, base+"/messages", map[string]string{"content": "34"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "finalized", body["state"])
	record, ok := body["record"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "p", record["patient_id"])

	res, body = doJSON(t, http.MethodPost, base+"/messages", map[string]string{"content": "one more"})
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "session_finalized", body["code"])

	res, body = doJSON(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	transcript, ok := body["transcript"].([]any)
	require.True(t, ok)
	assert.Len(t, transcript, 5)

	res, _ = doJSON(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res, body = doJSON(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "session_not_found", body["code"])
}

func TestSessionDoneAndEmptyMessage(t *testing.T) {
	ts := newTestServer(t, core.VariantIntake, &scriptedLLM{})
	_, created := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", nil)
	base := ts.URL + "/api/sessions/" + created["session_id"].(string)

	res, body := doJSON(t, http.MethodPost, base+"/messages", map[string]string{"content": "  "})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "empty_message", body["code"])

	res, body = doJSON(t, http.MethodPost, base+"/done", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "finalized", body["state"])
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, core.VariantIntake, &scriptedLLM{})
	doJSON(t, http.MethodPost, ts.URL+"/api/sessions", nil)

	res, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "intake", body["variant"])

	mres, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mres.Body.Close()
	raw, err := io.ReadAll(mres.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "test_active_sessions 1")
}

func TestDecodeJSONEmptyVersusTruncated(t *testing.T) {
	var out map[string]any

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", http.NoBody)
	assert.ErrorIs(t, decodeJSON(req, &out), errEmptyBody)

	req = httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"assistant":"Eli"`))
	err := decodeJSON(req, &out)
	require.Error(t, err)
	assert.NotErrorIs(t, err, errEmptyBody)
}

func TestCreateSessionRejectsTruncatedBody(t *testing.T) {
	ts := newTestServer(t, core.VariantIntake, &scriptedLLM{})

	res, body := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", `{"assistant":"Eli"`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_request", body["code"])

	res, body = doJSON(t, http.MethodPost, ts.URL+"/api/sessions", nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, core.DefaultAssistant, body["assistant"])
}
