package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

type extraBodyKey struct{}

// withExtraBody attaches fields that go-openai's request struct cannot carry
// (top_k, repetition_penalty). bodyRewriter merges them into the JSON body.
func withExtraBody(ctx context.Context, extra map[string]any) context.Context {
	if len(extra) == 0 {
		return ctx
	}
	return context.WithValue(ctx, extraBodyKey{}, extra)
}

func extraBodyFrom(ctx context.Context) map[string]any {
	extra, _ := ctx.Value(extraBodyKey{}).(map[string]any)
	return extra
}

// bodyRewriter is an http.RoundTripper that merges per-request extra fields
// into outgoing JSON request bodies.
type bodyRewriter struct {
	base http.RoundTripper
}

func (t *bodyRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	extra := extraBodyFrom(req.Context())
	if len(extra) == 0 || req.Body == nil || req.Method != http.MethodPost {
		return t.base.RoundTrip(req)
	}

	raw, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.Wrap(err, "decode request body")
	}
	for k, v := range extra {
		body[k] = v
	}
	merged, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode request body")
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(merged))
	out.ContentLength = int64(len(merged))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(merged)), nil
	}
	return t.base.RoundTrip(out)
}
