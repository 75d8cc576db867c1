package server

import (
	"encoding/json"
	"fmt"

	"github.com/howard-nolan/llmgateway/internal/canonical"
)

// This file is the HTTP <-> canonical boundary. canonical.ContentBlock and
// canonical.ToolChoice are closed interface variants on purpose — they're
// not meant to be JSON-tagged directly, so every shape a client actually
// sends or receives over the wire gets its own plain struct here, with
// explicit conversion to and from the canonical types the rest of the
// gateway operates on.

type wireContentBlock struct {
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
}

func toWireContentBlock(b canonical.ContentBlock) (wireContentBlock, error) {
	switch block := b.(type) {
	case canonical.TextBlock:
		return wireContentBlock{Kind: "text", Text: block.Text}, nil
	case canonical.ToolCallBlock:
		return wireContentBlock{Kind: "tool_call", ID: block.ID, Name: block.Name, Arguments: block.Arguments}, nil
	case canonical.ToolResultBlock:
		return wireContentBlock{Kind: "tool_result", ID: block.ID, Name: block.Name, Result: block.Result}, nil
	default:
		return wireContentBlock{}, fmt.Errorf("unknown content block type %T", b)
	}
}

func (b wireContentBlock) toCanonical() (canonical.ContentBlock, error) {
	switch b.Kind {
	case "text":
		return canonical.TextBlock{Text: b.Text}, nil
	case "tool_call":
		return canonical.ToolCallBlock{ID: b.ID, Name: b.Name, Arguments: b.Arguments}, nil
	case "tool_result":
		return canonical.ToolResultBlock{ID: b.ID, Name: b.Name, Result: b.Result}, nil
	default:
		return nil, fmt.Errorf("unknown content block kind %q", b.Kind)
	}
}

type wireMessage struct {
	Role    string              `json:"role"`
	Content []wireContentBlock  `json:"content"`
}

func (m wireMessage) toCanonical() (canonical.RequestMessage, error) {
	var role canonical.Role
	switch m.Role {
	case "user":
		role = canonical.RoleUser
	case "assistant":
		role = canonical.RoleAssistant
	default:
		return canonical.RequestMessage{}, fmt.Errorf("unknown role %q", m.Role)
	}
	content := make([]canonical.ContentBlock, 0, len(m.Content))
	for i, wb := range m.Content {
		block, err := wb.toCanonical()
		if err != nil {
			return canonical.RequestMessage{}, fmt.Errorf("content[%d]: %w", i, err)
		}
		content = append(content, block)
	}
	return canonical.RequestMessage{Role: role, Content: content}, nil
}

func toWireMessage(m canonical.RequestMessage) (wireMessage, error) {
	role := "user"
	if m.Role == canonical.RoleAssistant {
		role = "assistant"
	}
	content := make([]wireContentBlock, 0, len(m.Content))
	for i, block := range m.Content {
		wb, err := toWireContentBlock(block)
		if err != nil {
			return wireMessage{}, fmt.Errorf("content[%d]: %w", i, err)
		}
		content = append(content, wb)
	}
	return wireMessage{Role: role, Content: content}, nil
}

type wireToolConfig struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolChoice struct {
	Kind string `json:"kind"` // "auto" | "required" | "specific" | "none"
	Name string `json:"name,omitempty"`
}

func (c wireToolChoice) toCanonical() (canonical.ToolChoice, error) {
	switch c.Kind {
	case "", "auto":
		return canonical.ToolChoice{Kind: canonical.ToolChoiceAuto}, nil
	case "required":
		return canonical.ToolChoice{Kind: canonical.ToolChoiceRequired}, nil
	case "specific":
		return canonical.ToolChoice{Kind: canonical.ToolChoiceSpecific, Name: c.Name}, nil
	case "none":
		return canonical.ToolChoice{Kind: canonical.ToolChoiceNone}, nil
	default:
		return canonical.ToolChoice{}, fmt.Errorf("unknown tool_choice kind %q", c.Kind)
	}
}

type wireToolCallConfig struct {
	ToolsAvailable    []wireToolConfig `json:"tools_available"`
	ToolChoice        wireToolChoice   `json:"tool_choice"`
	ParallelToolCalls *bool            `json:"parallel_tool_calls,omitempty"`
}

func (c wireToolCallConfig) toCanonical() (*canonical.ToolCallConfig, error) {
	tools := make([]canonical.ToolConfig, 0, len(c.ToolsAvailable))
	for _, t := range c.ToolsAvailable {
		tools = append(tools, canonical.ToolConfig{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	choice, err := c.ToolChoice.toCanonical()
	if err != nil {
		return nil, err
	}
	return &canonical.ToolCallConfig{
		ToolsAvailable:    tools,
		ToolChoice:        choice,
		ParallelToolCalls: c.ParallelToolCalls,
	}, nil
}

// wireInferenceRequest is the request body for POST /v1/inferences. It's a
// direct JSON rendering of canonical.ModelInferenceRequest plus the model
// name the registry dispatches on.
type wireInferenceRequest struct {
	Model            string              `json:"model"`
	Messages         []wireMessage       `json:"messages"`
	System           *string             `json:"system,omitempty"`
	ToolConfig       *wireToolCallConfig `json:"tool_config,omitempty"`
	Temperature      *float64            `json:"temperature,omitempty"`
	TopP             *float64            `json:"top_p,omitempty"`
	MaxTokens        *int                `json:"max_tokens,omitempty"`
	PresencePenalty  *float64            `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64            `json:"frequency_penalty,omitempty"`
	Seed             *int64              `json:"seed,omitempty"`
	Stream           bool                `json:"stream"`
	JSONMode         string              `json:"json_mode,omitempty"`   // "off" | "on" | "strict"
	FunctionType     string              `json:"function_type,omitempty"` // "chat" | "json"
	OutputSchema     json.RawMessage     `json:"output_schema,omitempty"`
}

func (r wireInferenceRequest) toCanonical() (*canonical.ModelInferenceRequest, error) {
	messages := make([]canonical.RequestMessage, 0, len(r.Messages))
	for i, wm := range r.Messages {
		m, err := wm.toCanonical()
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		messages = append(messages, m)
	}

	var toolConfig *canonical.ToolCallConfig
	if r.ToolConfig != nil {
		tc, err := r.ToolConfig.toCanonical()
		if err != nil {
			return nil, fmt.Errorf("tool_config: %w", err)
		}
		toolConfig = tc
	}

	jsonMode := canonical.JSONModeOff
	switch r.JSONMode {
	case "", "off":
		jsonMode = canonical.JSONModeOff
	case "on":
		jsonMode = canonical.JSONModeOn
	case "strict":
		jsonMode = canonical.JSONModeStrict
	default:
		return nil, fmt.Errorf("unknown json_mode %q", r.JSONMode)
	}

	functionType := canonical.FunctionTypeChat
	switch r.FunctionType {
	case "", "chat":
		functionType = canonical.FunctionTypeChat
	case "json":
		functionType = canonical.FunctionTypeJSON
	default:
		return nil, fmt.Errorf("unknown function_type %q", r.FunctionType)
	}

	return &canonical.ModelInferenceRequest{
		Messages:         messages,
		System:           r.System,
		ToolConfig:       toolConfig,
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		MaxTokens:        r.MaxTokens,
		PresencePenalty:  r.PresencePenalty,
		FrequencyPenalty: r.FrequencyPenalty,
		Seed:             r.Seed,
		Stream:           r.Stream,
		JSONMode:         jsonMode,
		FunctionType:     functionType,
		OutputSchema:     r.OutputSchema,
	}, nil
}

type wireUsage struct {
	InputTokens  uint32 `json:"input_tokens"`
	OutputTokens uint32 `json:"output_tokens"`
}

type wireLatency struct {
	Kind         string `json:"kind"` // "non_streaming" | "streaming" | "batch"
	ResponseTime string `json:"response_time,omitempty"`
	TTFT         string `json:"ttft,omitempty"`
}

func toWireLatency(l canonical.Latency) wireLatency {
	switch l.Kind {
	case canonical.LatencyStreaming:
		return wireLatency{Kind: "streaming", ResponseTime: l.ResponseTime.String(), TTFT: l.TTFT.String()}
	case canonical.LatencyBatch:
		return wireLatency{Kind: "batch"}
	default:
		return wireLatency{Kind: "non_streaming", ResponseTime: l.ResponseTime.String()}
	}
}

func finishReasonString(f canonical.FinishReason) string {
	switch f {
	case canonical.FinishStop:
		return "stop"
	case canonical.FinishLength:
		return "length"
	case canonical.FinishContentFilter:
		return "content_filter"
	case canonical.FinishToolCall:
		return "tool_call"
	default:
		return "unknown"
	}
}

// wireInferenceResponse is the response body for a non-streaming
// POST /v1/inferences call — a direct rendering of
// canonical.ProviderInferenceResponse.
type wireInferenceResponse struct {
	ID            string              `json:"id"`
	Created       int64               `json:"created"`
	Output        []wireContentBlock  `json:"output"`
	System        *string             `json:"system,omitempty"`
	InputMessages []wireMessage       `json:"input_messages"`
	Usage         wireUsage           `json:"usage"`
	Latency       wireLatency         `json:"latency"`
	FinishReason  string              `json:"finish_reason"`
}

func toWireResponse(resp *canonical.ProviderInferenceResponse) (*wireInferenceResponse, error) {
	output := make([]wireContentBlock, 0, len(resp.Output))
	for i, block := range resp.Output {
		wb, err := toWireContentBlock(block)
		if err != nil {
			return nil, fmt.Errorf("output[%d]: %w", i, err)
		}
		output = append(output, wb)
	}
	inputMessages := make([]wireMessage, 0, len(resp.InputMessages))
	for i, m := range resp.InputMessages {
		wm, err := toWireMessage(m)
		if err != nil {
			return nil, fmt.Errorf("input_messages[%d]: %w", i, err)
		}
		inputMessages = append(inputMessages, wm)
	}
	return &wireInferenceResponse{
		ID:            resp.ID,
		Created:       resp.Created,
		Output:        output,
		System:        resp.System,
		InputMessages: inputMessages,
		Usage:         wireUsage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
		Latency:       toWireLatency(resp.Latency),
		FinishReason:  finishReasonString(resp.FinishReason),
	}, nil
}
