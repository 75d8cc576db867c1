package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/canonical"
)

func TestToGeminiToolConfig_DenyListFallsBackToAuto(t *testing.T) {
	modelsNotSupportingAnyMode["gemini-deny-any"] = true
	defer delete(modelsNotSupportingAnyMode, "gemini-deny-any")

	cfg := toGeminiToolConfig(canonical.ToolChoice{Kind: canonical.ToolChoiceRequired}, "gemini-deny-any")
	assert.Equal(t, "AUTO", cfg.FunctionCallingConfig.Mode)
	assert.Empty(t, cfg.FunctionCallingConfig.AllowedFunctionNames)
}

func TestToGeminiToolConfig_RequiredMapsToAny(t *testing.T) {
	cfg := toGeminiToolConfig(canonical.ToolChoice{Kind: canonical.ToolChoiceRequired}, "gemini-ok")
	assert.Equal(t, "ANY", cfg.FunctionCallingConfig.Mode)
}

func TestToGeminiToolConfig_SpecificMapsToAnyWithAllowList(t *testing.T) {
	cfg := toGeminiToolConfig(canonical.ToolChoice{Kind: canonical.ToolChoiceSpecific, Name: "calc"}, "gemini-ok")
	assert.Equal(t, "ANY", cfg.FunctionCallingConfig.Mode)
	assert.Equal(t, []string{"calc"}, cfg.FunctionCallingConfig.AllowedFunctionNames)
}

func TestToGeminiToolConfig_NoneMapsToNone(t *testing.T) {
	cfg := toGeminiToolConfig(canonical.ToolChoice{Kind: canonical.ToolChoiceNone}, "gemini-ok")
	assert.Equal(t, "NONE", cfg.FunctionCallingConfig.Mode)
}

func TestToGeminiRequest_JSONModeSanitizesOutputSchema(t *testing.T) {
	req := &canonical.ModelInferenceRequest{
		Messages:     []canonical.RequestMessage{{Role: canonical.RoleUser, Content: []canonical.ContentBlock{canonical.TextBlock{Text: "hi"}}}},
		FunctionType: canonical.FunctionTypeJSON,
		JSONMode:     canonical.JSONModeOn,
		OutputSchema: json.RawMessage(`{"$schema":"https://json-schema.org/draft/2020-12/schema","type":"object","additionalProperties":false,"properties":{"a":{"type":"string"}}}`),
	}

	body, err := toGeminiRequest(req, "gemini-ok")
	require.NoError(t, err)
	require.NotNil(t, body.GenerationConfig)
	assert.Equal(t, "application/json", body.GenerationConfig.ResponseMimeType)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(body.GenerationConfig.ResponseSchema, &schema))
	_, hasSchemaKey := schema["$schema"]
	_, hasAdditional := schema["additionalProperties"]
	assert.False(t, hasSchemaKey)
	assert.False(t, hasAdditional)
	assert.Equal(t, "object", schema["type"])
}

func TestToGeminiRequest_RoleMapping(t *testing.T) {
	req := &canonical.ModelInferenceRequest{
		Messages: []canonical.RequestMessage{
			{Role: canonical.RoleUser, Content: []canonical.ContentBlock{canonical.TextBlock{Text: "hi"}}},
			{Role: canonical.RoleAssistant, Content: []canonical.ContentBlock{canonical.TextBlock{Text: "hello"}}},
		},
	}
	body, err := toGeminiRequest(req, "gemini-ok")
	require.NoError(t, err)
	require.Len(t, body.Contents, 2)
	assert.Equal(t, "user", body.Contents[0].Role)
	assert.Equal(t, "model", body.Contents[1].Role)
}

func TestFromGeminiFinishReason(t *testing.T) {
	cases := map[string]canonical.FinishReason{
		"STOP":                    canonical.FinishStop,
		"MAX_TOKENS":              canonical.FinishLength,
		"SAFETY":                  canonical.FinishContentFilter,
		"SPII":                    canonical.FinishContentFilter,
		"MALFORMED_FUNCTION_CALL": canonical.FinishToolCall,
		"RECITATION":              canonical.FinishToolCall,
		"":                        canonical.FinishUnknown,
		"SOMETHING_NEW":           canonical.FinishUnknown,
	}
	for input, want := range cases {
		assert.Equal(t, want, fromGeminiFinishReason(input), "input=%q", input)
	}
}

func TestFromGeminiParts_FunctionCallSynthesizesID(t *testing.T) {
	blocks, err := fromGeminiParts([]geminiPart{
		{FunctionCall: &geminiFunctionCall{Name: "calc", Args: map[string]any{"x": float64(1)}}},
	})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	tc, ok := blocks[0].(canonical.ToolCallBlock)
	require.True(t, ok)
	assert.Equal(t, "calc", tc.Name)
	assert.NotEmpty(t, tc.ID)
	assert.JSONEq(t, `{"x":1}`, tc.Arguments)
}
