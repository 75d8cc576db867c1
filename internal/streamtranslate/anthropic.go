// Package streamtranslate turns one provider's raw SSE event stream into the
// canonical chunk stream. Each translator owns exactly the mutable state one
// event-by-event state machine needs (carried-forward tool identity, the
// inference id, the stream's start time) and is meant to be driven by a
// single goroutine — it is not safe for concurrent use.
package streamtranslate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/llmgateway/internal/canonical"
)

// AnthropicTranslator turns Anthropic's (and Vertex's passthrough of it)
// message-stream SSE events into canonical chunks.
type AnthropicTranslator struct {
	inferenceID     string
	streamStart     time.Time
	currentToolID   string
	currentToolName string
	haveTool        bool
}

// NewAnthropicTranslator starts a new translator for one stream. The
// inference id is minted once, here, so every chunk of the stream carries
// the same id. A mid-stream failure is returned as an error from Next, not
// as a chunk, so it carries no id.
func NewAnthropicTranslator() *AnthropicTranslator {
	return &AnthropicTranslator{
		inferenceID: uuid.Must(uuid.NewV7()).String(),
		streamStart: time.Now(),
	}
}

// InferenceID returns the id minted for this stream.
func (t *AnthropicTranslator) InferenceID() string { return t.inferenceID }

// anthropicStreamEvent is the union of every event shape the translator
// understands, decoded loosely since which fields are present is what
// discriminates the case, not just Type.
type anthropicStreamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Usage   *anthropicStreamUsage `json:"usage"`
	Message *struct {
		Usage *anthropicStreamUsage `json:"usage"`
	} `json:"message"`
}

type anthropicStreamUsage struct {
	InputTokens  uint32 `json:"input_tokens"`
	OutputTokens uint32 `json:"output_tokens"`
}

// Next consumes one SSE event's raw data payload and returns the canonical
// chunk it produces, if any. A nil chunk with terminate == false means the
// event was a no-op (ping, content_block_stop, ...) and the caller should
// pull the next event. terminate == true means message_stop was seen and
// the stream is over.
func (t *AnthropicTranslator) Next(data string) (*canonical.ProviderInferenceResponseChunk, bool, error) {
	var event anthropicStreamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, false, &canonical.ClassifiedError{
			Kind:    canonical.KindInferenceServer,
			Message: fmt.Sprintf("decoding anthropic stream event: %v", err),
		}
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil && event.Message.Usage != nil {
			return t.usageChunk(*event.Message.Usage), false, nil
		}
		return nil, false, nil

	case "content_block_start":
		if event.ContentBlock == nil {
			return nil, false, nil
		}
		switch event.ContentBlock.Type {
		case "text":
			return t.textChunk(fmt.Sprintf("%d", event.Index), ""), false, nil
		case "tool_use":
			t.currentToolID = event.ContentBlock.ID
			t.currentToolName = event.ContentBlock.Name
			t.haveTool = true
			return t.toolChunk(""), false, nil
		default:
			return nil, false, nil
		}

	case "content_block_delta":
		if event.Delta == nil {
			return nil, false, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return t.textChunk(fmt.Sprintf("%d", event.Index), event.Delta.Text), false, nil
		case "input_json_delta":
			if !t.haveTool {
				return nil, false, &canonical.ClassifiedError{
					Kind:    canonical.KindInferenceServer,
					Message: "received input_json_delta before any tool_use content_block_start",
				}
			}
			return t.toolChunk(event.Delta.PartialJSON), false, nil
		default:
			return nil, false, nil
		}

	case "content_block_stop", "ping":
		return nil, false, nil

	case "message_delta":
		if event.Usage != nil {
			return t.usageChunk(*event.Usage), false, nil
		}
		return nil, false, nil

	case "message_stop":
		return nil, true, nil

	case "error":
		return nil, false, &canonical.ClassifiedError{
			Kind:    canonical.KindInferenceServer,
			Message: fmt.Sprintf("anthropic stream error event: %s", data),
		}

	default:
		return nil, false, nil
	}
}

func (t *AnthropicTranslator) textChunk(id, text string) *canonical.ProviderInferenceResponseChunk {
	return &canonical.ProviderInferenceResponseChunk{
		InferenceID: t.inferenceID,
		Content: []canonical.ContentBlockChunk{
			{Kind: canonical.ChunkText, ID: id, Text: text},
		},
		RawResponse: text,
		Latency:     time.Since(t.streamStart),
	}
}

func (t *AnthropicTranslator) toolChunk(partialJSON string) *canonical.ProviderInferenceResponseChunk {
	return &canonical.ProviderInferenceResponseChunk{
		InferenceID: t.inferenceID,
		Content: []canonical.ContentBlockChunk{
			{
				Kind:         canonical.ChunkToolCall,
				ID:           t.currentToolID,
				RawName:      t.currentToolName,
				RawArguments: partialJSON,
			},
		},
		RawResponse: partialJSON,
		Latency:     time.Since(t.streamStart),
	}
}

func (t *AnthropicTranslator) usageChunk(usage anthropicStreamUsage) *canonical.ProviderInferenceResponseChunk {
	u := canonical.Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}
	return &canonical.ProviderInferenceResponseChunk{
		InferenceID: t.inferenceID,
		Usage:       &u,
		Latency:     time.Since(t.streamStart),
	}
}
