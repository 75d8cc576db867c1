// Package provider defines the adapter contract every LLM backend must
// satisfy and the dispatch/error-mapping plumbing every adapter shares.
// Every backend (Anthropic on Vertex, Gemini on Vertex) implements
// Provider; the rest of the gateway works only with canonical types and
// never needs to know which backend actually served a request.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/howard-nolan/llmgateway/internal/canonical"
	"github.com/howard-nolan/llmgateway/internal/gcpauth"
)

// isEOF reports whether err is (or wraps) io.EOF, the signal an sse.Reader
// uses to mean "stream ended cleanly".
func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// Provider is the interface every LLM backend must satisfy. Go interfaces
// are implicit: any struct with these methods automatically implements
// Provider — no "implements" keyword needed.
type Provider interface {
	// Name returns the provider identifier, e.g. "gcp_vertex_anthropic"
	// or "gcp_vertex_gemini". Used for logging, metrics labels, and the
	// ProviderType tag on classified errors.
	Name() string

	// Infer sends a non-streaming request and returns the complete
	// canonical response.
	Infer(ctx context.Context, req *canonical.ModelInferenceRequest, client *http.Client, bag gcpauth.KeyBag) (*canonical.ProviderInferenceResponse, error)

	// InferStream sends a streaming request. It returns the first chunk
	// eagerly (so the caller gets first-token synchronously), the
	// remaining stream on a channel of StreamItem, and the serialized raw
	// request (for telemetry). A translation failure mid-stream is sent
	// as a StreamItem with Err set — the last item the channel ever
	// carries — rather than smuggled into a chunk's fields, so a
	// consumer can always tell a clean end from a failed one. The
	// channel is closed right after (whether the stream ended cleanly or
	// on error) or when ctx is cancelled.
	InferStream(ctx context.Context, req *canonical.ModelInferenceRequest, client *http.Client, bag gcpauth.KeyBag) (first canonical.ProviderInferenceResponseChunk, rest <-chan canonical.StreamItem, rawRequest string, err error)

	// StartBatchInference begins an (out-of-scope) batch job. Every
	// adapter in this repo embeds UnsupportedBatchProvider so this
	// always fails with UnsupportedModelProviderForBatchInference.
	StartBatchInference(ctx context.Context, reqs []*canonical.ModelInferenceRequest, client *http.Client, bag gcpauth.KeyBag) error
}

// UnsupportedBatchProvider is embedded by adapters that don't implement
// batch inference (every adapter in this repo). It supplies the default
// StartBatchInference so concrete adapters don't each repeat the stub.
type UnsupportedBatchProvider struct {
	ProviderName string
}

func (u UnsupportedBatchProvider) StartBatchInference(ctx context.Context, reqs []*canonical.ModelInferenceRequest, client *http.Client, bag gcpauth.KeyBag) error {
	return &canonical.ClassifiedError{
		Kind:         canonical.KindUnsupportedModelProviderForBatchInference,
		Message:      fmt.Sprintf("%s does not support batch inference", u.ProviderName),
		ProviderType: u.ProviderName,
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry maps a model name to the Provider that serves it. It replaces
// a bare map so callers get a classified error instead of a nil-map panic
// on an unknown model.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register associates a model name with the Provider that serves it.
func (r *Registry) Register(model string, p Provider) {
	r.providers[model] = p
}

// Resolve looks up the Provider registered for model.
func (r *Registry) Resolve(model string) (Provider, error) {
	p, ok := r.providers[model]
	if !ok {
		return nil, canonical.NewInvalidRequest(fmt.Sprintf("no provider registered for model %q", model))
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Shared HTTP dispatch
// ---------------------------------------------------------------------------

// classifyStatus maps an HTTP status code to an ErrorKind. 400/401/413/429
// are caller errors (not retried); everything else (403/404/5xx/529) is a
// server error an upper retry-policy layer may retry.
func classifyStatus(code int) canonical.ErrorKind {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		return canonical.KindInferenceClient
	default:
		return canonical.KindInferenceServer
	}
}

// dispatch builds and sends an authenticated HTTP POST and returns the raw
// response. On a non-2xx response it decodes the body with decodeError and
// returns a classified error instead of a response.
func dispatch(ctx context.Context, client *http.Client, url string, body []byte, bearer string, accept string, providerType string, decodeError func([]byte) string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", providerType, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+bearer)
	if accept != "" {
		httpReq.Header.Set("Accept", accept)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &canonical.ClassifiedError{
			Kind:         canonical.KindInferenceServer,
			Message:      err.Error(),
			ProviderType: providerType,
			Cause:        err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		message := decodeError(data)
		status := resp.StatusCode
		return nil, &canonical.ClassifiedError{
			Kind:         classifyStatus(resp.StatusCode),
			Message:      message,
			StatusCode:   &status,
			ProviderType: providerType,
		}
	}

	return resp, nil
}

// genericErrorMessage decodes a best-effort {"error":{"message": "..."}}-
// shaped body, falling back to the raw body text. Both adapters' error
// envelopes nest the message one level deep under a "message" key even
// though the surrounding shape differs, so one decoder covers both.
func genericErrorMessage(data []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return string(data)
}
