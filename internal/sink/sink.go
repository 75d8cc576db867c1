// Package sink records completed inferences to an external collaborator —
// a log line or a Redis stream — after the caller has already been
// answered. It's write-only: nothing in this repo reads a Record back.
package sink

import (
	"context"
	"encoding/json"
	"log"

	"github.com/howard-nolan/llmgateway/internal/canonical"
)

// Record is one completed inference, shaped for an external analytics or
// audit store rather than for re-parsing by this gateway.
type Record struct {
	ID                string
	InferenceID       string
	RawRequest        string
	RawResponse       string
	System            *string
	InputMessages     []canonical.RequestMessage
	Output            json.RawMessage
	InputTokens       uint32
	OutputTokens      uint32
	ResponseTimeMS    uint32
	TTFTMS            *uint32
	ModelName         string
	ModelProviderName string
}

// Sink is anything that can durably record a completed inference.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// LogSink writes every record as a single log line. It's the default —
// zero external dependencies, always available.
type LogSink struct{}

func (LogSink) Record(ctx context.Context, rec Record) error {
	log.Printf(
		"inference recorded id=%s inference_id=%s model=%s provider=%s input_tokens=%d output_tokens=%d response_time_ms=%d",
		rec.ID, rec.InferenceID, rec.ModelName, rec.ModelProviderName, rec.InputTokens, rec.OutputTokens, rec.ResponseTimeMS,
	)
	return nil
}
