// Package ssewriter writes a canonical chunk stream to an http.ResponseWriter
// as Server-Sent Events, one canonical chunk per "data:" line.
package ssewriter

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/howard-nolan/llmgateway/internal/canonical"
)

// wireChunk is the JSON shape written for each SSE event. It's a direct
// mirror of canonical.ProviderInferenceResponseChunk — no OpenAI-style
// reshaping, since callers of this gateway speak the canonical wire
// format end to end. Error is only set on the terminal error event a
// mid-stream translation failure produces; it never appears alongside
// Content or Usage.
type wireChunk struct {
	InferenceID string                  `json:"inference_id"`
	Content     []wireContentBlockChunk `json:"content,omitempty"`
	Usage       *canonical.Usage        `json:"usage,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

type wireContentBlockChunk struct {
	Kind         string `json:"kind"`
	ID           string `json:"id"`
	Text         string `json:"text,omitempty"`
	RawName      string `json:"raw_name,omitempty"`
	RawArguments string `json:"raw_arguments,omitempty"`
}

func toWireChunk(c canonical.ProviderInferenceResponseChunk) wireChunk {
	content := make([]wireContentBlockChunk, 0, len(c.Content))
	for _, block := range c.Content {
		kind := "text"
		if block.Kind == canonical.ChunkToolCall {
			kind = "tool_call"
		}
		content = append(content, wireContentBlockChunk{
			Kind:         kind,
			ID:           block.ID,
			Text:         block.Text,
			RawName:      block.RawName,
			RawArguments: block.RawArguments,
		})
	}
	return wireChunk{InferenceID: c.InferenceID, Content: content, Usage: c.Usage}
}

// Write streams first and then every item on rest as one SSE event each,
// flushing after every write so the caller sees tokens arrive in real
// time. A rest item carrying a terminal error (StreamItem.Err != nil) is
// written as its own `{"error": "..."}` event instead of being treated as
// ordinary chunk data, and Write stops draining rest and returns that
// error immediately afterward — a client reading the stream sees the
// error event and the caller learns the stream did not complete cleanly.
// A clean stream always ends with a "data: [DONE]\n\n" sentinel; an
// errored one does not.
func Write(w http.ResponseWriter, first canonical.ProviderInferenceResponseChunk, rest <-chan canonical.StreamItem) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeEvent(w, flusher, first); err != nil {
		return err
	}
	for item := range rest {
		if item.Err != nil {
			writeErrorEvent(w, flusher, item.Err)
			return item.Err
		}
		if err := writeEvent(w, flusher, item.Chunk); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, chunk canonical.ProviderInferenceResponseChunk) error {
	data, err := json.Marshal(toWireChunk(chunk))
	if err != nil {
		return fmt.Errorf("marshaling SSE chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeErrorEvent(w http.ResponseWriter, flusher http.Flusher, streamErr error) {
	data, err := json.Marshal(wireChunk{Error: streamErr.Error()})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
