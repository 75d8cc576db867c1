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

// modelsNotSupportingAnyMode lists Gemini model ids known to reject
// tool_config.mode = "ANY". It's empty today — no such model has been
// observed yet — but kept as a var rather than a const so a future model
// (or a test) can populate it without a code change.
var modelsNotSupportingAnyMode = map[string]bool{}

// GeminiVertexProvider serves Gemini models hosted on GCP Vertex AI.
type GeminiVertexProvider struct {
	UnsupportedBatchProvider

	Project     string
	Location    string
	ModelID     string
	Credentials gcpauth.BearerSource
}

// NewGeminiVertexProvider builds an adapter for one Gemini model on one GCP
// project/location.
func NewGeminiVertexProvider(project, location, modelID string, creds gcpauth.BearerSource) *GeminiVertexProvider {
	return &GeminiVertexProvider{
		UnsupportedBatchProvider: UnsupportedBatchProvider{ProviderName: "gcp_vertex_gemini"},
		Project:                  project,
		Location:                 location,
		ModelID:                  modelID,
		Credentials:              creds,
	}
}

func (g *GeminiVertexProvider) Name() string { return "gcp_vertex_gemini" }

func (g *GeminiVertexProvider) audience() string {
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/", g.Location)
}

func (g *GeminiVertexProvider) url(stream bool) string {
	verb := "generateContent"
	suffix := ""
	if stream {
		verb = "streamGenerateContent"
		suffix = "?alt=sse"
	}
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:%s%s",
		g.Location, g.Project, g.Location, g.ModelID, verb, suffix,
	)
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type geminiRequestBody struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"system_instruction,omitempty"`
	Tools             []geminiToolDecl        `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"tool_config,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generation_config,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart is a tagged union encoded manually — exactly one of these
// fields is populated per part.
type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResponse `json:"functionResponse,omitempty"`
	InlineData       *geminiInlineData   `json:"inline_data,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFuncResponse struct {
	Name     string                 `json:"name"`
	Response map[string]any         `json:"response"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiToolDecl struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig geminiFunctionCallingConfig `json:"functionCallingConfig"`
}

type geminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"topP,omitempty"`
	Seed             *int64          `json:"seed,omitempty"`
	ResponseMimeType string          `json:"response_mime_type,omitempty"`
	ResponseSchema   json.RawMessage `json:"response_schema,omitempty"`
}

type geminiResponseBody struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     uint32 `json:"promptTokenCount"`
	CandidatesTokenCount uint32 `json:"candidatesTokenCount"`
}

// ---------------------------------------------------------------------------
// Canonical → Gemini translation
// ---------------------------------------------------------------------------

func toGeminiRole(r canonical.Role) string {
	if r == canonical.RoleAssistant {
		return "model"
	}
	return "user"
}

func toGeminiRequest(req *canonical.ModelInferenceRequest, modelID string) (*geminiRequestBody, error) {
	body := &geminiRequestBody{}

	if req.System != nil && *req.System != "" {
		body.SystemInstruction = &geminiContent{
			Role:  "model",
			Parts: []geminiPart{{Text: *req.System}},
		}
	}

	for _, msg := range req.Messages {
		parts, err := toGeminiParts(msg.Content)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			// A message with no content blocks yields no parts; Gemini
			// rejects an empty contents entry. toGeminiParts itself never
			// drops a block: the canonical model has no Thought, Image or
			// other opaque block kinds to drop or pass through.
			continue
		}
		body.Contents = append(body.Contents, geminiContent{Role: toGeminiRole(msg.Role), Parts: parts})
	}

	genConfig := &geminiGenerationConfig{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Seed:        req.Seed,
	}
	if req.MaxTokens != nil {
		genConfig.MaxOutputTokens = req.MaxTokens
	}
	if req.FunctionType == canonical.FunctionTypeJSON && req.JSONMode != canonical.JSONModeOff {
		genConfig.ResponseMimeType = "application/json"
		if len(req.OutputSchema) > 0 {
			var schemaDoc any
			if err := json.Unmarshal(req.OutputSchema, &schemaDoc); err != nil {
				return nil, canonical.NewTypeConversion(fmt.Sprintf("output_schema is not valid JSON: %v", err))
			}
			sanitized, err := json.Marshal(sanitizeGeminiSchema(schemaDoc))
			if err != nil {
				return nil, err
			}
			genConfig.ResponseSchema = sanitized
		}
	}
	body.GenerationConfig = genConfig

	if req.ToolConfig != nil && len(req.ToolConfig.ToolsAvailable) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(req.ToolConfig.ToolsAvailable))
		for _, tc := range req.ToolConfig.ToolsAvailable {
			decls = append(decls, geminiFunctionDecl{
				Name:        tc.Name,
				Description: tc.Description,
				Parameters:  tc.Parameters,
			})
		}
		body.Tools = []geminiToolDecl{{FunctionDeclarations: decls}}
		body.ToolConfig = toGeminiToolConfig(req.ToolConfig.ToolChoice, modelID)
	}

	return body, nil
}

// toGeminiToolConfig maps the canonical ToolChoice to Gemini's
// functionCallingConfig. A model on the deny-list that would otherwise get
// mode "ANY" falls back to "AUTO" — some Gemini models reject ANY outright.
func toGeminiToolConfig(tc canonical.ToolChoice, modelID string) *geminiToolConfig {
	mode := "AUTO"
	var allowed []string

	switch tc.Kind {
	case canonical.ToolChoiceNone:
		mode = "NONE"
	case canonical.ToolChoiceAuto:
		mode = "AUTO"
	case canonical.ToolChoiceRequired:
		mode = "ANY"
	case canonical.ToolChoiceSpecific:
		mode = "ANY"
		allowed = []string{tc.Name}
	}

	if mode == "ANY" && modelsNotSupportingAnyMode[modelID] {
		mode = "AUTO"
		allowed = nil
	}

	return &geminiToolConfig{FunctionCallingConfig: geminiFunctionCallingConfig{Mode: mode, AllowedFunctionNames: allowed}}
}

func toGeminiParts(blocks []canonical.ContentBlock) ([]geminiPart, error) {
	out := make([]geminiPart, 0, len(blocks))
	for _, block := range blocks {
		switch b := block.(type) {
		case canonical.TextBlock:
			out = append(out, geminiPart{Text: b.Text})
		case canonical.ToolCallBlock:
			var args map[string]any
			if err := json.Unmarshal([]byte(b.Arguments), &args); err != nil {
				return nil, canonical.NewTypeConversion(fmt.Sprintf("tool call arguments is not a JSON object: %v", err))
			}
			out = append(out, geminiPart{FunctionCall: &geminiFunctionCall{Name: b.Name, Args: args}})
		case canonical.ToolResultBlock:
			var content any
			if err := json.Unmarshal([]byte(b.Result), &content); err != nil {
				content = b.Result
			}
			out = append(out, geminiPart{FunctionResponse: &geminiFuncResponse{
				Name:     b.Name,
				Response: map[string]any{"name": b.Name, "content": content},
			}})
		default:
			return nil, canonical.NewTypeConversion(fmt.Sprintf("unsupported content block %T for Gemini", block))
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Gemini → canonical translation
// ---------------------------------------------------------------------------

func fromGeminiParts(parts []geminiPart) ([]canonical.ContentBlock, error) {
	out := make([]canonical.ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.Text != "":
			out = append(out, canonical.TextBlock{Text: p.Text})
		case p.FunctionCall != nil:
			argsJSON, err := json.Marshal(p.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("encoding gemini function call args: %w", err)
			}
			out = append(out, canonical.ToolCallBlock{
				ID:        uuid.Must(uuid.NewV7()).String(),
				Name:      p.FunctionCall.Name,
				Arguments: string(argsJSON),
			})
		}
	}
	return out, nil
}

func fromGeminiFinishReason(reason string) canonical.FinishReason {
	switch reason {
	case "STOP":
		return canonical.FinishStop
	case "MAX_TOKENS":
		return canonical.FinishLength
	case "SAFETY", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return canonical.FinishContentFilter
	case "MALFORMED_FUNCTION_CALL", "RECITATION":
		return canonical.FinishToolCall
	default:
		return canonical.FinishUnknown
	}
}

// ---------------------------------------------------------------------------
// Infer (unary)
// ---------------------------------------------------------------------------

func (g *GeminiVertexProvider) Infer(ctx context.Context, req *canonical.ModelInferenceRequest, client *http.Client, bag gcpauth.KeyBag) (*canonical.ProviderInferenceResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := toGeminiRequest(req, g.ModelID)
	if err != nil {
		return nil, err
	}
	rawRequest, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling gemini request: %w", err)
	}

	bearer, err := gcpauth.Resolve(g.Credentials, g.audience(), bag)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := dispatch(ctx, client, g.url(false), rawRequest, bearer, "", g.Name(), genericErrorMessage)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed geminiResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &canonical.ClassifiedError{
			Kind:         canonical.KindInferenceServer,
			Message:      fmt.Sprintf("decoding gemini response: %v", err),
			ProviderType: g.Name(),
		}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &canonical.ClassifiedError{
			Kind:         canonical.KindInferenceServer,
			Message:      "gemini returned no candidates",
			ProviderType: g.Name(),
		}
	}

	candidate := parsed.Candidates[0]
	output, err := fromGeminiParts(candidate.Content.Parts)
	if err != nil {
		return nil, err
	}

	usage := canonical.Usage{}
	if parsed.UsageMetadata != nil {
		usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}

	return &canonical.ProviderInferenceResponse{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Created:       time.Now().Unix(),
		Output:        output,
		System:        req.System,
		InputMessages: req.Messages,
		RawRequest:    string(rawRequest),
		RawResponse:   mustMarshal(parsed),
		Usage:         usage,
		FinishReason:  fromGeminiFinishReason(candidate.FinishReason),
		Latency: canonical.Latency{
			Kind:         canonical.LatencyNonStreaming,
			ResponseTime: time.Since(start),
		},
	}, nil
}

// ---------------------------------------------------------------------------
// InferStream
// ---------------------------------------------------------------------------

func (g *GeminiVertexProvider) InferStream(ctx context.Context, req *canonical.ModelInferenceRequest, client *http.Client, bag gcpauth.KeyBag) (canonical.ProviderInferenceResponseChunk, <-chan canonical.StreamItem, string, error) {
	var zero canonical.ProviderInferenceResponseChunk

	if err := req.Validate(); err != nil {
		return zero, nil, "", err
	}

	body, err := toGeminiRequest(req, g.ModelID)
	if err != nil {
		return zero, nil, "", err
	}
	rawRequest, err := json.Marshal(body)
	if err != nil {
		return zero, nil, "", fmt.Errorf("marshaling gemini request: %w", err)
	}

	bearer, err := gcpauth.Resolve(g.Credentials, g.audience(), bag)
	if err != nil {
		return zero, nil, "", err
	}

	resp, err := dispatch(ctx, client, g.url(true), rawRequest, bearer, "text/event-stream", g.Name(), genericErrorMessage)
	if err != nil {
		return zero, nil, "", err
	}

	reader := sse.NewReader(resp.Body)
	translator := streamtranslate.NewGeminiTranslator()

	firstChunk, terminate, err := pullNextGeminiChunk(reader, translator)
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
			chunk, terminate, err := pullNextGeminiChunk(reader, translator)
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

func pullNextGeminiChunk(reader *sse.Reader, translator *streamtranslate.GeminiTranslator) (canonical.ProviderInferenceResponseChunk, bool, error) {
	for {
		event, err := reader.Next()
		if err != nil {
			if isEOF(err) {
				return canonical.ProviderInferenceResponseChunk{}, true, nil
			}
			return canonical.ProviderInferenceResponseChunk{}, false, &canonical.ClassifiedError{
				Kind:    canonical.KindInferenceServer,
				Message: fmt.Sprintf("reading gemini stream: %v", err),
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
