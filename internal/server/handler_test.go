package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/canonical"
	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/gcpauth"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/sink"
	"github.com/howard-nolan/llmgateway/internal/telemetry"
)

// fakeProvider is a hand-rolled Provider used only by these handler tests —
// no HTTP, no GCP credentials, just canned canonical responses/chunks so
// the server's request/response plumbing can be exercised in isolation.
type fakeProvider struct {
	provider.UnsupportedBatchProvider
	inferResp    *canonical.ProviderInferenceResponse
	inferErr     error
	chunks       []canonical.ProviderInferenceResponseChunk
	streamErr    error
	midStreamErr error
}

func (f *fakeProvider) Name() string { return "fake_provider" }

func (f *fakeProvider) Infer(ctx context.Context, req *canonical.ModelInferenceRequest, client *http.Client, bag gcpauth.KeyBag) (*canonical.ProviderInferenceResponse, error) {
	return f.inferResp, f.inferErr
}

func (f *fakeProvider) InferStream(ctx context.Context, req *canonical.ModelInferenceRequest, client *http.Client, bag gcpauth.KeyBag) (canonical.ProviderInferenceResponseChunk, <-chan canonical.StreamItem, string, error) {
	if f.streamErr != nil {
		return canonical.ProviderInferenceResponseChunk{}, nil, "", f.streamErr
	}
	first := f.chunks[0]
	rest := make(chan canonical.StreamItem, len(f.chunks))
	for _, c := range f.chunks[1:] {
		rest <- canonical.StreamItem{Chunk: c}
	}
	if f.midStreamErr != nil {
		rest <- canonical.StreamItem{Err: f.midStreamErr}
	}
	close(rest)
	return first, rest, "raw-request", nil
}

func newTestServer(t *testing.T, model string, p provider.Provider) (*Server, *sinkSpy) {
	t.Helper()
	registry := provider.NewRegistry()
	registry.Register(model, p)
	spy := &sinkSpy{}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	return New(&config.Config{}, registry, http.DefaultClient, gcpauth.KeyBag{}, spy, metrics), spy
}

type sinkSpy struct {
	records []sink.Record
}

func (s *sinkSpy) Record(ctx context.Context, rec sink.Record) error {
	s.records = append(s.records, rec)
	return nil
}

func TestHandleInference_UnarySuccess(t *testing.T) {
	resp := &canonical.ProviderInferenceResponse{
		ID:      "resp-1",
		Created: 1700000000,
		Output:  []canonical.ContentBlock{canonical.TextBlock{Text: "hello"}},
		Usage:   canonical.Usage{InputTokens: 3, OutputTokens: 2},
		Latency: canonical.Latency{Kind: canonical.LatencyNonStreaming, ResponseTime: 20 * time.Millisecond},
	}
	srv, spy := newTestServer(t, "fake-model", &fakeProvider{inferResp: resp})

	body := `{"model":"fake-model","messages":[{"role":"user","content":[{"kind":"text","text":"hi"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/inferences", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var wireResp wireInferenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wireResp))
	assert.Equal(t, "resp-1", wireResp.ID)
	require.Len(t, wireResp.Output, 1)
	assert.Equal(t, "hello", wireResp.Output[0].Text)
	assert.Equal(t, "fake_provider", rec.Header().Get("X-LLMGateway-Provider"))

	require.Len(t, spy.records, 1)
	assert.Equal(t, "resp-1", spy.records[0].InferenceID)
	assert.Equal(t, uint32(20), spy.records[0].ResponseTimeMS)
}

func TestHandleInference_ProviderErrorMapsStatusCode(t *testing.T) {
	status := http.StatusTooManyRequests
	providerErr := &canonical.ClassifiedError{
		Kind:         canonical.KindInferenceClient,
		Message:      "slow down",
		StatusCode:   &status,
		ProviderType: "fake_provider",
	}
	srv, spy := newTestServer(t, "fake-model", &fakeProvider{inferErr: providerErr})

	body := `{"model":"fake-model","messages":[{"role":"user","content":[{"kind":"text","text":"hi"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/inferences", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, spy.records)
}

func TestHandleInference_UnknownModelIs400(t *testing.T) {
	srv, _ := newTestServer(t, "fake-model", &fakeProvider{})

	body := `{"model":"does-not-exist","messages":[{"role":"user","content":[{"kind":"text","text":"hi"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/inferences", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleInference_StreamingWritesSSEAndRecordsSink(t *testing.T) {
	chunks := []canonical.ProviderInferenceResponseChunk{
		{InferenceID: "inf-1", Content: []canonical.ContentBlockChunk{{Kind: canonical.ChunkText, ID: "0", Text: "he"}}, Latency: 5 * time.Millisecond},
		{InferenceID: "inf-1", Content: []canonical.ContentBlockChunk{{Kind: canonical.ChunkText, ID: "0", Text: "llo"}}, Latency: 15 * time.Millisecond},
	}
	srv, spy := newTestServer(t, "fake-model", &fakeProvider{chunks: chunks})

	body := `{"model":"fake-model","stream":true,"messages":[{"role":"user","content":[{"kind":"text","text":"hi"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/inferences", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "data: [DONE]")

	require.Len(t, spy.records, 1)
	assert.Equal(t, "inf-1", spy.records[0].InferenceID)
	require.NotNil(t, spy.records[0].TTFTMS)
}

func TestHandleInference_StreamingMidStreamErrorNotRecordedAsSuccess(t *testing.T) {
	chunks := []canonical.ProviderInferenceResponseChunk{
		{InferenceID: "inf-2", Content: []canonical.ContentBlockChunk{{Kind: canonical.ChunkText, ID: "0", Text: "he"}}, Latency: 5 * time.Millisecond},
	}
	midErr := canonical.NewTypeConversion("translator choked mid-stream")
	srv, spy := newTestServer(t, "fake-model", &fakeProvider{chunks: chunks, midStreamErr: midErr})

	body := `{"model":"fake-model","stream":true,"messages":[{"role":"user","content":[{"kind":"text","text":"hi"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/inferences", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
	assert.NotContains(t, rec.Body.String(), "data: [DONE]")

	assert.Empty(t, spy.records)
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t, "fake-model", &fakeProvider{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
