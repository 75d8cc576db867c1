package streamtranslate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/llmgateway/internal/canonical"
)

// GeminiTranslator turns Gemini's SSE stream — where each event is a full
// candidate envelope, not a delta — into canonical chunks. Unlike the
// Anthropic-family translator it carries no tool-identity state: a Gemini
// functionCall arrives whole in a single part, so each ToolCall chunk gets
// a freshly minted id.
type GeminiTranslator struct {
	inferenceID string
	streamStart time.Time
}

// NewGeminiTranslator starts a new translator for one stream.
func NewGeminiTranslator() *GeminiTranslator {
	return &GeminiTranslator{
		inferenceID: uuid.Must(uuid.NewV7()).String(),
		streamStart: time.Now(),
	}
}

// InferenceID returns the id minted for this stream.
func (t *GeminiTranslator) InferenceID() string { return t.inferenceID }

type geminiStreamPart struct {
	Text         string `json:"text"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall"`
}

type geminiStreamEnvelope struct {
	Candidates []struct {
		Content struct {
			Parts []geminiStreamPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     uint32 `json:"promptTokenCount"`
		CandidatesTokenCount uint32 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Next consumes one SSE event's raw data payload — a full candidate
// envelope — and returns the single canonical chunk it produces, folding
// every part and any usage into one chunk. Empty-text parts are filtered
// (Gemini emits spurious empty deltas); an envelope that, after filtering,
// carries neither content nor usage produces no chunk at all.
func (t *GeminiTranslator) Next(data string) (*canonical.ProviderInferenceResponseChunk, bool, error) {
	var envelope geminiStreamEnvelope
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return nil, false, &canonical.ClassifiedError{
			Kind:    canonical.KindInferenceServer,
			Message: fmt.Sprintf("decoding gemini stream event: %v", err),
		}
	}

	var content []canonical.ContentBlockChunk
	if len(envelope.Candidates) > 0 {
		candidate := envelope.Candidates[0]
		for _, part := range candidate.Content.Parts {
			switch {
			case part.Text != "":
				content = append(content, canonical.ContentBlockChunk{
					Kind: canonical.ChunkText,
					ID:   "0",
					Text: part.Text,
				})
			case part.FunctionCall != nil:
				argsJSON, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					return nil, false, fmt.Errorf("encoding gemini stream function call args: %w", err)
				}
				content = append(content, canonical.ContentBlockChunk{
					Kind:         canonical.ChunkToolCall,
					ID:           uuid.Must(uuid.NewV7()).String(),
					RawName:      part.FunctionCall.Name,
					RawArguments: string(argsJSON),
				})
			}
		}
	}

	var usage *canonical.Usage
	if envelope.UsageMetadata != nil {
		usage = &canonical.Usage{
			InputTokens:  envelope.UsageMetadata.PromptTokenCount,
			OutputTokens: envelope.UsageMetadata.CandidatesTokenCount,
		}
	}

	if len(content) == 0 && usage == nil {
		return nil, false, nil
	}

	chunk := &canonical.ProviderInferenceResponseChunk{
		InferenceID: t.inferenceID,
		Content:     content,
		Usage:       usage,
		RawResponse: data,
		Latency:     time.Since(t.streamStart),
	}

	return chunk, false, nil
}
