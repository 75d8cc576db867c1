package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/llmgateway/internal/canonical"
	"github.com/howard-nolan/llmgateway/internal/gcpauth"
	"github.com/howard-nolan/llmgateway/internal/sse"
	"github.com/howard-nolan/llmgateway/internal/streamtranslate"
)

const (
	anthropicAPIVersion       = "vertex-2023-10-16"
	anthropicDefaultMaxTokens = 4096
	anthropicJSONPrefill      = "Here is the JSON requested:\n{"
)

// AnthropicVertexProvider serves Anthropic models hosted on GCP Vertex AI.
type AnthropicVertexProvider struct {
	UnsupportedBatchProvider

	Project     string
	Location    string
	ModelID     string
	Credentials gcpauth.BearerSource
}

// NewAnthropicVertexProvider builds an adapter for one Anthropic model on
// one GCP project/location.
func NewAnthropicVertexProvider(project, location, modelID string, creds gcpauth.BearerSource) *AnthropicVertexProvider {
	return &AnthropicVertexProvider{
		UnsupportedBatchProvider: UnsupportedBatchProvider{ProviderName: "gcp_vertex_anthropic"},
		Project:                  project,
		Location:                 location,
		ModelID:                  modelID,
		Credentials:              creds,
	}
}

func (a *AnthropicVertexProvider) Name() string { return "gcp_vertex_anthropic" }

func (a *AnthropicVertexProvider) audience() string {
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/", a.Location)
}

func (a *AnthropicVertexProvider) url(stream bool) string {
	verb := "rawPredict"
	if stream {
		verb = "streamRawPredict"
	}
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:%s",
		a.Location, a.Project, a.Location, a.ModelID, verb,
	)
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type anthropicRequestBody struct {
	AnthropicVersion string               `json:"anthropic_version"`
	Messages         []anthropicMessage   `json:"messages"`
	MaxTokens        int                  `json:"max_tokens"`
	Stream           bool                 `json:"stream"`
	System           string               `json:"system,omitempty"`
	Temperature      *float64             `json:"temperature,omitempty"`
	TopP             *float64             `json:"top_p,omitempty"`
	Tools            []anthropicTool      `json:"tools,omitempty"`
	ToolChoice       *anthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string                    `json:"role"`
	Content []anthropicMessageContent `json:"content"`
}

// anthropicMessageContent is a tagged union over Text/ToolUse/ToolResult,
// encoded manually since Go has no sum-type JSON marshaling.
type anthropicMessageContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicResponseBody struct {
	ID      string                     `json:"id"`
	Content []anthropicResponseContent `json:"content"`
	Usage   anthropicUsage             `json:"usage"`
}

type anthropicResponseContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  uint32 `json:"input_tokens"`
	OutputTokens uint32 `json:"output_tokens"`
}

// ---------------------------------------------------------------------------
// Canonical → Anthropic translation
// ---------------------------------------------------------------------------

func toAnthropicRequest(req *canonical.ModelInferenceRequest) (*anthropicRequestBody, error) {
	body := &anthropicRequestBody{
		AnthropicVersion: anthropicAPIVersion,
		Stream:           req.Stream,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
	}
	if req.System != nil {
		body.System = *req.System
	}
	if req.MaxTokens != nil {
		body.MaxTokens = *req.MaxTokens
	} else {
		body.MaxTokens = anthropicDefaultMaxTokens
	}

	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		content, err := toAnthropicContent(msg.Content)
		if err != nil {
			return nil, err
		}
		messages = append(messages, anthropicMessage{Role: string(msg.Role), Content: content})
	}
	messages = prepareMessages(messages)

	if req.FunctionType == canonical.FunctionTypeJSON && req.JSONMode != canonical.JSONModeOff {
		messages = append(messages, anthropicMessage{
			Role:    "assistant",
			Content: []anthropicMessageContent{{Type: "text", Text: anthropicJSONPrefill}},
		})
	}
	body.Messages = messages

	if req.ToolConfig != nil && len(req.ToolConfig.ToolsAvailable) > 0 && req.ToolConfig.ToolChoice.Kind != canonical.ToolChoiceNone {
		tools := make([]anthropicTool, 0, len(req.ToolConfig.ToolsAvailable))
		for _, tc := range req.ToolConfig.ToolsAvailable {
			tools = append(tools, anthropicTool{
				Name:        tc.Name,
				Description: tc.Description,
				InputSchema: tc.Parameters,
			})
		}
		body.Tools = tools
		body.ToolChoice = toAnthropicToolChoice(req.ToolConfig.ToolChoice)
	}

	return body, nil
}

func toAnthropicContent(blocks []canonical.ContentBlock) ([]anthropicMessageContent, error) {
	out := make([]anthropicMessageContent, 0, len(blocks))
	for _, block := range blocks {
		switch b := block.(type) {
		case canonical.TextBlock:
			out = append(out, anthropicMessageContent{Type: "text", Text: b.Text})
		case canonical.ToolCallBlock:
			out = append(out, anthropicMessageContent{
				Type:  "tool_use",
				ID:    b.ID,
				Name:  b.Name,
				Input: json.RawMessage(b.Arguments),
			})
		case canonical.ToolResultBlock:
			resultJSON, err := json.Marshal(b.Result)
			if err != nil {
				return nil, fmt.Errorf("encoding tool result: %w", err)
			}
			content, err := json.Marshal([]map[string]any{{"type": "text", "text": json.RawMessage(resultJSON)}})
			if err != nil {
				return nil, err
			}
			out = append(out, anthropicMessageContent{
				Type:      "tool_result",
				ToolUseID: b.ID,
				Content:   content,
			})
		default:
			return nil, canonical.NewTypeConversion(fmt.Sprintf("unsupported content block %T for Anthropic", block))
		}
	}
	return out, nil
}

// toAnthropicToolChoice maps the canonical ToolChoice. None returns nil —
// Anthropic has no explicit "none" choice, so a None choice is realized by
// omitting tools entirely (toAnthropicRequest leaves tools out of the body
// in that case).
func toAnthropicToolChoice(tc canonical.ToolChoice) *anthropicToolChoice {
	switch tc.Kind {
	case canonical.ToolChoiceAuto:
		return &anthropicToolChoice{Type: "auto"}
	case canonical.ToolChoiceRequired:
		return &anthropicToolChoice{Type: "any"}
	case canonical.ToolChoiceSpecific:
		return &anthropicToolChoice{Type: "tool", Name: tc.Name}
	case canonical.ToolChoiceNone:
		return nil
	default:
		return &anthropicToolChoice{Type: "auto"}
	}
}

// prepareMessages consolidates consecutive same-role messages, then
// ensures the conversation starts with a user message and does not end
// on an assistant turn — Anthropic rejects non-alternating histories and
// will otherwise continue a trailing assistant turn.
func prepareMessages(messages []anthropicMessage) []anthropicMessage {
	consolidated := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		if n := len(consolidated); n > 0 && consolidated[n-1].Role == msg.Role {
			consolidated[n-1].Content = append(consolidated[n-1].Content, msg.Content...)
			continue
		}
		consolidated = append(consolidated, msg)
	}

	listening := anthropicMessage{
		Role:    "user",
		Content: []anthropicMessageContent{{Type: "text", Text: "[listening]"}},
	}

	if len(consolidated) == 0 || consolidated[0].Role != "user" {
		consolidated = append([]anthropicMessage{listening}, consolidated...)
	}
	if consolidated[len(consolidated)-1].Role == "assistant" {
		consolidated = append(consolidated, listening)
	}
	return consolidated
}

// ---------------------------------------------------------------------------
// Anthropic → canonical translation
// ---------------------------------------------------------------------------

func fromAnthropicContent(blocks []anthropicResponseContent) []canonical.ContentBlock {
	out := make([]canonical.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, canonical.TextBlock{Text: b.Text})
		case "tool_use":
			out = append(out, canonical.ToolCallBlock{ID: b.ID, Name: b.Name, Arguments: string(b.Input)})
		}
	}
	return out
}

// unprefillJSON reverses the JSON-mode prefill by re-prepending the opening
// brace to the first text block, so the caller sees valid JSON beginning
// with "{" rather than the truncated tail the model continued from.
func unprefillJSON(blocks []canonical.ContentBlock) []canonical.ContentBlock {
	for i, block := range blocks {
		if tb, ok := block.(canonical.TextBlock); ok {
			blocks[i] = canonical.TextBlock{Text: "{" + tb.Text}
			return blocks
		}
	}
	return blocks
}

// ---------------------------------------------------------------------------
// Infer (unary)
// ---------------------------------------------------------------------------

func (a *AnthropicVertexProvider) Infer(ctx context.Context, req *canonical.ModelInferenceRequest, client *http.Client, bag gcpauth.KeyBag) (*canonical.ProviderInferenceResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := toAnthropicRequest(req)
	if err != nil {
		return nil, err
	}
	rawRequest, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling anthropic request: %w", err)
	}

	bearer, err := gcpauth.Resolve(a.Credentials, a.audience(), bag)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := dispatch(ctx, client, a.url(false), rawRequest, bearer, "", a.Name(), genericErrorMessage)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed anthropicResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &canonical.ClassifiedError{
			Kind:         canonical.KindInferenceServer,
			Message:      fmt.Sprintf("decoding anthropic response: %v", err),
			ProviderType: a.Name(),
		}
	}

	output := fromAnthropicContent(parsed.Content)
	if req.FunctionType == canonical.FunctionTypeJSON && req.JSONMode != canonical.JSONModeOff {
		output = unprefillJSON(output)
	}

	return &canonical.ProviderInferenceResponse{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Created:       time.Now().Unix(),
		Output:        output,
		System:        req.System,
		InputMessages: req.Messages,
		RawRequest:    string(rawRequest),
		RawResponse:   mustMarshal(parsed),
		Usage: canonical.Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
		Latency: canonical.Latency{
			Kind:         canonical.LatencyNonStreaming,
			ResponseTime: time.Since(start),
		},
	}, nil
}

func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// ---------------------------------------------------------------------------
// InferStream
// ---------------------------------------------------------------------------

func (a *AnthropicVertexProvider) InferStream(ctx context.Context, req *canonical.ModelInferenceRequest, client *http.Client, bag gcpauth.KeyBag) (canonical.ProviderInferenceResponseChunk, <-chan canonical.StreamItem, string, error) {
	var zero canonical.ProviderInferenceResponseChunk

	if err := req.Validate(); err != nil {
		return zero, nil, "", err
	}

	body, err := toAnthropicRequest(req)
	if err != nil {
		return zero, nil, "", err
	}
	body.Stream = true
	rawRequest, err := json.Marshal(body)
	if err != nil {
		return zero, nil, "", fmt.Errorf("marshaling anthropic request: %w", err)
	}

	bearer, err := gcpauth.Resolve(a.Credentials, a.audience(), bag)
	if err != nil {
		return zero, nil, "", err
	}

	resp, err := dispatch(ctx, client, a.url(true), rawRequest, bearer, "text/event-stream", a.Name(), genericErrorMessage)
	if err != nil {
		return zero, nil, "", err
	}

	reader := sse.NewReader(resp.Body)
	translator := streamtranslate.NewAnthropicTranslator()

	firstChunk, terminate, err := pullNextAnthropicChunk(reader, translator)
	if err != nil {
		resp.Body.Close()
		return zero, nil, string(rawRequest), err
	}

	ch := make(chan canonical.StreamItem)
	if terminate {
		resp.Body.Close()
		close(ch)
		return firstChunk, ch, string(rawRequest), nil
	}

	go func() {
		defer resp.Body.Close()
		defer close(ch)
		for {
			chunk, terminate, err := pullNextAnthropicChunk(reader, translator)
			if err != nil {
				select {
				case ch <- canonical.StreamItem{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if terminate {
				return
			}
			select {
			case ch <- canonical.StreamItem{Chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return firstChunk, ch, string(rawRequest), nil
}

// pullNextAnthropicChunk pulls SSE events until the translator has either
// produced a chunk, asked to terminate the stream, or hit a fatal error.
func pullNextAnthropicChunk(reader *sse.Reader, translator *streamtranslate.AnthropicTranslator) (canonical.ProviderInferenceResponseChunk, bool, error) {
	for {
		event, err := reader.Next()
		if err != nil {
			if isEOF(err) {
				return canonical.ProviderInferenceResponseChunk{}, true, nil
			}
			return canonical.ProviderInferenceResponseChunk{}, false, &canonical.ClassifiedError{
				Kind:    canonical.KindInferenceServer,
				Message: fmt.Sprintf("reading anthropic stream: %v", err),
			}
		}

		chunk, terminate, err := translator.Next(event.Data)
		if err != nil {
			return canonical.ProviderInferenceResponseChunk{}, false, err
		}
		if terminate {
			return canonical.ProviderInferenceResponseChunk{}, true, nil
		}
		if chunk == nil {
			continue
		}
		return *chunk, false, nil
	}
}
