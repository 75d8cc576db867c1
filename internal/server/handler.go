package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/llmgateway/internal/canonical"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/reassemble"
	"github.com/howard-nolan/llmgateway/internal/sink"
	"github.com/howard-nolan/llmgateway/internal/ssewriter"
)

// writeJSONError writes a JSON {"error": message} body with the given
// status code. Every failure path in this handler funnels through here so
// the error shape is consistent regardless of where the request died.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusForError maps a classified error to an HTTP status code. A
// ClassifiedError with an explicit StatusCode (set when the failure came
// back from the provider's own HTTP response) wins; otherwise the status
// follows the error's Kind.
func statusForError(err error) int {
	var classified *canonical.ClassifiedError
	if !errors.As(err, &classified) {
		return http.StatusBadGateway
	}
	if classified.StatusCode != nil {
		return *classified.StatusCode
	}
	switch classified.Kind {
	case canonical.KindInvalidRequest:
		return http.StatusBadRequest
	case canonical.KindInferenceClient:
		return http.StatusBadRequest
	case canonical.KindCredentialError, canonical.KindApiKeyMissing:
		return http.StatusInternalServerError
	case canonical.KindUnsupportedModelProviderForBatchInference:
		return http.StatusNotImplemented
	default:
		return http.StatusBadGateway
	}
}

// handleHealth responds with a simple JSON status indicating the server
// is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleInference handles POST /v1/inferences. It decodes a canonical
// request, resolves the provider from the model name, and dispatches to
// either the streaming or non-streaming path. Either path ends, once the
// response body has been written, by handing a sink.Record to the
// configured Sink and recording Prometheus metrics. That bookkeeping runs
// synchronously before the handler returns.
func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	var wireReq wireInferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&wireReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req, err := wireReq.toCanonical()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.registry.Resolve(wireReq.Model)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("X-LLMGateway-Provider", p.Name())
	w.Header().Set("X-LLMGateway-Model", wireReq.Model)

	if req.Stream {
		s.handleStreamingInference(w, r, p, req, wireReq.Model)
		return
	}
	s.handleUnaryInference(w, r, p, req, wireReq.Model)
}

func (s *Server) handleUnaryInference(w http.ResponseWriter, r *http.Request, p provider.Provider, req *canonical.ModelInferenceRequest, model string) {
	resp, err := p.Infer(r.Context(), req, s.httpClient, s.keyBag)
	if err != nil {
		log.Printf("inference error: provider=%s model=%s err=%v", p.Name(), model, err)
		s.metrics.RecordInference(p.Name(), model, "error", 0)
		writeJSONError(w, statusForError(err), "inference failed: "+err.Error())
		return
	}
	s.metrics.RecordInference(p.Name(), model, "success", resp.Latency.ResponseTime)

	wireResp, err := toWireResponse(resp)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "encoding response: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wireResp)

	s.recordToSink(p.Name(), model, resp)
}

func (s *Server) handleStreamingInference(w http.ResponseWriter, r *http.Request, p provider.Provider, req *canonical.ModelInferenceRequest, model string) {
	first, rest, _, err := p.InferStream(r.Context(), req, s.httpClient, s.keyBag)
	if err != nil {
		log.Printf("stream start error: provider=%s model=%s err=%v", p.Name(), model, err)
		s.metrics.RecordInference(p.Name(), model, "error", 0)
		writeJSONError(w, statusForError(err), "inference failed: "+err.Error())
		return
	}

	s.metrics.StreamStarted()
	defer s.metrics.StreamEnded()

	// Every chunk that reaches the client also reaches a second channel
	// feeding the reassembler, so the completed stream can still be
	// recorded to the sink even though nothing buffers the whole
	// response before it starts flowing to the caller.
	clientChan := make(chan canonical.StreamItem, 64)
	sinkChan := make(chan canonical.StreamItem, 64)
	sinkChan <- canonical.StreamItem{Chunk: first}

	go func() {
		defer close(clientChan)
		defer close(sinkChan)
		for item := range rest {
			clientChan <- item
			sinkChan <- item
		}
	}()

	reassembleDone := make(chan struct{})
	var reassembled *canonical.ProviderInferenceResponse
	go func() {
		defer close(reassembleDone)
		resp, err := reassemble.Reassemble(context.Background(), sinkChan)
		if err != nil {
			log.Printf("reassembling stream for sink: provider=%s model=%s err=%v", p.Name(), model, err)
			return
		}
		reassembled = resp
	}()

	if err := ssewriter.Write(w, first, clientChan); err != nil {
		log.Printf("stream write error: provider=%s model=%s err=%v", p.Name(), model, err)
	}
	<-reassembleDone

	if reassembled == nil {
		s.metrics.RecordInference(p.Name(), model, "error", 0)
		return
	}
	s.metrics.RecordInference(p.Name(), model, "success", reassembled.Latency.ResponseTime)
	if reassembled.Latency.Kind == canonical.LatencyStreaming {
		s.metrics.RecordFirstToken(p.Name(), model, reassembled.Latency.TTFT)
	}
	s.recordToSink(p.Name(), model, reassembled)
}

// recordToSink builds a sink.Record from a completed inference and hands
// it to the configured Sink. It runs after the response body has been
// written, using a background context so a client disconnect can't cut
// the record short.
func (s *Server) recordToSink(providerName, model string, resp *canonical.ProviderInferenceResponse) {
	output, err := json.Marshal(toWireOutputBlocks(resp.Output))
	if err != nil {
		log.Printf("marshaling output for sink record: %v", err)
		output = json.RawMessage("[]")
	}

	var ttftMS *uint32
	if resp.Latency.Kind == canonical.LatencyStreaming {
		ms := uint32(resp.Latency.TTFT / time.Millisecond)
		ttftMS = &ms
	}

	rec := sink.Record{
		ID:                uuid.Must(uuid.NewV7()).String(),
		InferenceID:       resp.ID,
		RawRequest:        resp.RawRequest,
		RawResponse:       resp.RawResponse,
		System:            resp.System,
		InputMessages:     resp.InputMessages,
		Output:            output,
		InputTokens:       resp.Usage.InputTokens,
		OutputTokens:      resp.Usage.OutputTokens,
		ResponseTimeMS:    uint32(resp.Latency.ResponseTime / time.Millisecond),
		TTFTMS:            ttftMS,
		ModelName:         model,
		ModelProviderName: providerName,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.Record(ctx, rec); err != nil {
		log.Printf("sink record failed: provider=%s model=%s err=%v", providerName, model, err)
	}
}

func toWireOutputBlocks(blocks []canonical.ContentBlock) []wireContentBlock {
	out := make([]wireContentBlock, 0, len(blocks))
	for _, b := range blocks {
		wb, err := toWireContentBlock(b)
		if err != nil {
			continue
		}
		out = append(out, wb)
	}
	return out
}
