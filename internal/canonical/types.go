// Package canonical defines the provider-agnostic request/response/chunk
// data model that flows through the gateway. Every provider adapter
// translates to and from these types; nothing outside this package needs to
// know whether a given inference happened to be served by Anthropic or
// Gemini.
package canonical

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// objectSchema is the minimal JSON Schema every ToolCallBlock's Arguments
// must satisfy: any JSON object. Compiled once at package init and reused
// for every validation instead of hand-rolled type-switching.
var objectSchema = mustCompileObjectSchema()

func mustCompileObjectSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	doc := map[string]any{"type": "object"}
	if err := compiler.AddResource("tool-call-arguments.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("tool-call-arguments.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// Role is who is speaking in a message. System prompts are not a role —
// they're transported as a separate field on ModelInferenceRequest.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// blockKind discriminates the closed ContentBlock variant. It's unexported
// so packages outside canonical can't add new cases — the switch in every
// adapter's translation code is meant to be exhaustive.
type blockKind int

const (
	blockText blockKind = iota
	blockToolCall
	blockToolResult
)

// ContentBlock is a closed tagged variant: Text, ToolCall, or ToolResult.
// The unexported marker method is what closes it — only types in this
// package can implement ContentBlock.
type ContentBlock interface {
	contentBlockKind() blockKind
}

// TextBlock is plain text content, either in a request history or in a
// model's output.
type TextBlock struct {
	Text string
}

func (TextBlock) contentBlockKind() blockKind { return blockText }

// ToolCallBlock is a model-issued (or replayed) tool invocation.
// Arguments is the tool's input serialized as a JSON string; parsing
// Arguments as JSON MUST yield an object. Gemini has no call ids of its
// own, so for Gemini output ID is a UUIDv7 freshly minted per call: it is
// not durable and is never replayed across calls.
type ToolCallBlock struct {
	ID        string
	Name      string
	Arguments string
}

func (ToolCallBlock) contentBlockKind() blockKind { return blockToolCall }

// ToolResultBlock carries the result of a tool call back into the
// conversation history. Result is transported as a string here; adapters
// that need object-typed tool output (Gemini's functionResponse) parse it
// as JSON on the way out.
type ToolResultBlock struct {
	ID     string
	Name   string
	Result string
}

func (ToolResultBlock) contentBlockKind() blockKind { return blockToolResult }

// RequestMessage is one turn of conversation history.
type RequestMessage struct {
	Role    Role
	Content []ContentBlock
}

// ToolConfig describes one tool a model may call.
type ToolConfig struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema
}

// ToolChoiceKind discriminates the closed ToolChoice variant.
type ToolChoiceKind int

const (
	ToolChoiceAuto ToolChoiceKind = iota
	ToolChoiceRequired
	ToolChoiceSpecific
	ToolChoiceNone
)

// ToolChoice constrains which tool (if any) the model must call.
// Name is only meaningful when Kind == ToolChoiceSpecific.
type ToolChoice struct {
	Kind ToolChoiceKind
	Name string
}

// ToolCallConfig bundles the tools available to a model with the caller's
// choice policy.
type ToolCallConfig struct {
	ToolsAvailable    []ToolConfig
	ToolChoice        ToolChoice
	ParallelToolCalls *bool
}

// JSONMode controls whether and how strictly a provider must emit JSON.
type JSONMode int

const (
	JSONModeOff JSONMode = iota
	JSONModeOn
	JSONModeStrict
)

// FunctionType distinguishes an ordinary chat completion from a
// structured-output ("json") function call. FunctionTypeJSON together
// with JSONMode in {On, Strict} is the sole trigger for JSON-mode
// adaptation: prompt prefill on Anthropic, response-schema attachment on
// Gemini.
type FunctionType int

const (
	FunctionTypeChat FunctionType = iota
	FunctionTypeJSON
)

// ModelInferenceRequest is the canonical input to a provider adapter.
// It is constructed by the caller, borrowed by the adapter for the
// duration of one call, and never mutated by the adapter.
type ModelInferenceRequest struct {
	Messages         []RequestMessage
	System           *string
	ToolConfig       *ToolCallConfig
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Seed             *int64
	Stream           bool
	JSONMode         JSONMode
	FunctionType     FunctionType
	OutputSchema     json.RawMessage
}

// Validate checks the invariants every adapter relies on before it's
// allowed to translate a request: non-empty messages, and every
// ToolCallBlock's Arguments must parse as a JSON object.
func (r *ModelInferenceRequest) Validate() error {
	if len(r.Messages) == 0 {
		return &ClassifiedError{
			Kind:    KindInvalidRequest,
			Message: "messages must not be empty",
		}
	}
	for mi, msg := range r.Messages {
		for bi, block := range msg.Content {
			tc, ok := block.(ToolCallBlock)
			if !ok {
				continue
			}
			if err := validateToolCallArguments(tc.Arguments); err != nil {
				return &ClassifiedError{
					Kind: KindInvalidRequest,
					Message: fmt.Sprintf(
						"messages[%d].content[%d]: tool call arguments must be a JSON object: %v",
						mi, bi, err,
					),
				}
			}
		}
	}
	return nil
}

func validateToolCallArguments(arguments string) error {
	var v any
	if err := json.Unmarshal([]byte(arguments), &v); err != nil {
		return err
	}
	if err := objectSchema.Validate(v); err != nil {
		return fmt.Errorf("arguments does not satisfy the object schema: %w", err)
	}
	return nil
}

// Usage holds token accounting. Every provider reports this differently;
// this is where it's normalized.
type Usage struct {
	InputTokens  uint32
	OutputTokens uint32
}

// saturatingAdd adds two Usage values without wrapping past the uint32
// range, used by the chunk reassembler when folding usage across many
// chunks.
func (u Usage) saturatingAdd(other Usage) Usage {
	return Usage{
		InputTokens:  saturatingAddU32(u.InputTokens, other.InputTokens),
		OutputTokens: saturatingAddU32(u.OutputTokens, other.OutputTokens),
	}
}

// AddUsage saturating-adds other into u and returns the result. Exported
// so the reassembler (a different package) can fold usage across chunks
// without reaching into unexported helpers.
func AddUsage(u, other Usage) Usage {
	return u.saturatingAdd(other)
}

func saturatingAddU32(a, b uint32) uint32 {
	sum := a + b
	if sum < a {
		return ^uint32(0)
	}
	return sum
}

// LatencyKind discriminates the closed Latency variant.
type LatencyKind int

const (
	LatencyNonStreaming LatencyKind = iota
	LatencyStreaming
	LatencyBatch
)

// Latency describes how long an inference took to produce, in a shape that
// depends on whether it streamed.
type Latency struct {
	Kind         LatencyKind
	ResponseTime time.Duration // NonStreaming, Streaming
	TTFT         time.Duration // Streaming only
}

// FinishReason is the closed, provider-agnostic classification of why a
// model stopped generating.
type FinishReason int

const (
	FinishUnknown FinishReason = iota
	FinishStop
	FinishLength
	FinishContentFilter
	FinishToolCall
)

// ProviderInferenceResponse is the canonical unary output of an adapter.
// ID must be time-ordered so lexicographic ordering matches creation
// order — callers mint it with uuid.NewV7 or equivalent.
type ProviderInferenceResponse struct {
	ID            string
	Created       int64 // epoch seconds
	Output        []ContentBlock
	System        *string
	InputMessages []RequestMessage
	RawRequest    string
	RawResponse   string
	Usage         Usage
	Latency       Latency
	FinishReason  FinishReason
}

// ContentBlockChunkKind discriminates the closed ContentBlockChunk variant.
type ContentBlockChunkKind int

const (
	ChunkText ContentBlockChunkKind = iota
	ChunkToolCall
)

// ContentBlockChunk is one partial delta belonging to a particular output
// block. ID groups deltas belonging to the same block across multiple
// chunks.
type ContentBlockChunk struct {
	Kind         ContentBlockChunkKind
	ID           string
	Text         string // Kind == ChunkText
	RawName      string // Kind == ChunkToolCall
	RawArguments string // Kind == ChunkToolCall
}

// ProviderInferenceResponseChunk is one item of a canonical chunk stream.
// InferenceID is stable across every chunk belonging to one inference.
type ProviderInferenceResponseChunk struct {
	InferenceID string
	Content     []ContentBlockChunk
	Usage       *Usage
	RawResponse string
	Latency     time.Duration // elapsed since stream start
}

// StreamItem is one element carried on a canonical chunk channel: either a
// chunk, or a terminal error. It mirrors the original Rust stream's
// Result<ProviderInferenceResponseChunk, Error> item type — a bare chunk
// channel has no way to distinguish "translation failed mid-stream" from
// an ordinary empty or usage-only chunk, so every producer of a chunk
// stream (a Provider's InferStream, and anything that fans it out) sends
// StreamItem, not a bare chunk.
//
// Once an item on the channel has Err != nil, it is the last item: the
// producer closes the channel right after. A consumer that sees Err != nil
// must stop consuming and propagate that error rather than continue
// folding later items.
type StreamItem struct {
	Chunk ProviderInferenceResponseChunk
	Err   error
}
