package reassemble

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/canonical"
)

func sendAndClose(ch chan canonical.StreamItem, chunks ...canonical.ProviderInferenceResponseChunk) {
	go func() {
		for _, c := range chunks {
			ch <- canonical.StreamItem{Chunk: c}
		}
		close(ch)
	}()
}

func sendErrAndClose(ch chan canonical.StreamItem, chunks []canonical.ProviderInferenceResponseChunk, err error) {
	go func() {
		for _, c := range chunks {
			ch <- canonical.StreamItem{Chunk: c}
		}
		ch <- canonical.StreamItem{Err: err}
		close(ch)
	}()
}

func TestReassemble_ToolUseStreamRoundTrip(t *testing.T) {
	ch := make(chan canonical.StreamItem)
	sendAndClose(ch,
		canonical.ProviderInferenceResponseChunk{
			InferenceID: "inf-1",
			Content:     []canonical.ContentBlockChunk{{Kind: canonical.ChunkToolCall, ID: "t1", RawName: "calc", RawArguments: ""}},
			Latency:     10 * time.Millisecond,
		},
		canonical.ProviderInferenceResponseChunk{
			InferenceID: "inf-1",
			Content:     []canonical.ContentBlockChunk{{Kind: canonical.ChunkToolCall, ID: "t1", RawArguments: `{"x":`}},
			Latency:     20 * time.Millisecond,
		},
		canonical.ProviderInferenceResponseChunk{
			InferenceID: "inf-1",
			Content:     []canonical.ContentBlockChunk{{Kind: canonical.ChunkToolCall, ID: "t1", RawArguments: `1}`}},
			Latency:     30 * time.Millisecond,
		},
	)

	resp, err := Reassemble(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "inf-1", resp.ID)
	require.Len(t, resp.Output, 1)
	tc := resp.Output[0].(canonical.ToolCallBlock)
	assert.Equal(t, "t1", tc.ID)
	assert.Equal(t, "calc", tc.Name)
	assert.Equal(t, `{"x":1}`, tc.Arguments)
	assert.Equal(t, 10*time.Millisecond, resp.Latency.TTFT)
	assert.Equal(t, 30*time.Millisecond, resp.Latency.ResponseTime)
}

func TestReassemble_ToolsBeforeText(t *testing.T) {
	ch := make(chan canonical.StreamItem)
	sendAndClose(ch,
		canonical.ProviderInferenceResponseChunk{
			InferenceID: "inf-2",
			Content:     []canonical.ContentBlockChunk{{Kind: canonical.ChunkText, ID: "0", Text: "hi"}},
			Latency:     5 * time.Millisecond,
		},
		canonical.ProviderInferenceResponseChunk{
			InferenceID: "inf-2",
			Content:     []canonical.ContentBlockChunk{{Kind: canonical.ChunkToolCall, ID: "t1", RawName: "calc", RawArguments: "{}"}},
			Latency:     8 * time.Millisecond,
		},
	)

	resp, err := Reassemble(context.Background(), ch)
	require.NoError(t, err)
	require.Len(t, resp.Output, 2)
	_, isTool := resp.Output[0].(canonical.ToolCallBlock)
	_, isText := resp.Output[1].(canonical.TextBlock)
	assert.True(t, isTool)
	assert.True(t, isText)
}

func TestReassemble_UsageOnlyChunkDoesNotCountForTTFT(t *testing.T) {
	ch := make(chan canonical.StreamItem)
	usage := canonical.Usage{InputTokens: 3}
	sendAndClose(ch,
		canonical.ProviderInferenceResponseChunk{InferenceID: "inf-3", Usage: &usage, Latency: 1 * time.Millisecond},
		canonical.ProviderInferenceResponseChunk{
			InferenceID: "inf-3",
			Content:     []canonical.ContentBlockChunk{{Kind: canonical.ChunkText, ID: "0", Text: "hi"}},
			Latency:     9 * time.Millisecond,
		},
	)

	resp, err := Reassemble(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, 9*time.Millisecond, resp.Latency.TTFT)
}

func TestReassemble_EmptyStreamIsTypeConversion(t *testing.T) {
	ch := make(chan canonical.StreamItem)
	close(ch)

	_, err := Reassemble(context.Background(), ch)
	require.Error(t, err)
	var classified *canonical.ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, canonical.KindTypeConversion, classified.Kind)
}

func TestReassemble_UsageOnlyStreamNeverHasContentIsTypeConversion(t *testing.T) {
	ch := make(chan canonical.StreamItem)
	usage := canonical.Usage{InputTokens: 1}
	sendAndClose(ch, canonical.ProviderInferenceResponseChunk{InferenceID: "inf-4", Usage: &usage})

	_, err := Reassemble(context.Background(), ch)
	require.Error(t, err)
	var classified *canonical.ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, canonical.KindTypeConversion, classified.Kind)
}

func TestReassemble_MidStreamErrorPropagatesInsteadOfPartialSuccess(t *testing.T) {
	ch := make(chan canonical.StreamItem)
	streamErr := canonical.NewTypeConversion("translator choked on a malformed event")
	sendErrAndClose(ch, []canonical.ProviderInferenceResponseChunk{
		{
			InferenceID: "inf-5",
			Content:     []canonical.ContentBlockChunk{{Kind: canonical.ChunkText, ID: "0", Text: "partial"}},
			Latency:     5 * time.Millisecond,
		},
	}, streamErr)

	resp, err := Reassemble(context.Background(), ch)
	require.Nil(t, resp)
	require.ErrorIs(t, err, streamErr)
}

func TestRawJSONView_PrefersToolCallOverText(t *testing.T) {
	resp := &canonical.ProviderInferenceResponse{
		Output: []canonical.ContentBlock{
			canonical.TextBlock{Text: "ignored"},
			canonical.ToolCallBlock{ID: "t1", Name: "answer", Arguments: `{"a":1}`},
		},
	}
	req := &canonical.ModelInferenceRequest{FunctionType: canonical.FunctionTypeJSON, JSONMode: canonical.JSONModeOn}

	raw, ok := RawJSONView(resp, req)
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, raw)
}

func TestValidateStrictJSON_RejectsSchemaViolation(t *testing.T) {
	resp := &canonical.ProviderInferenceResponse{
		Output: []canonical.ContentBlock{canonical.TextBlock{Text: `{"a":"not a number"}`}},
	}
	req := &canonical.ModelInferenceRequest{
		FunctionType: canonical.FunctionTypeJSON,
		JSONMode:     canonical.JSONModeStrict,
		OutputSchema: []byte(`{"type":"object","properties":{"a":{"type":"integer"}},"required":["a"]}`),
	}

	err := ValidateStrictJSON(resp, req)
	require.Error(t, err)
	var classified *canonical.ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, canonical.KindTypeConversion, classified.Kind)
}

func TestValidateStrictJSON_AcceptsValidResponse(t *testing.T) {
	resp := &canonical.ProviderInferenceResponse{
		Output: []canonical.ContentBlock{canonical.TextBlock{Text: `{"a":1}`}},
	}
	req := &canonical.ModelInferenceRequest{
		FunctionType: canonical.FunctionTypeJSON,
		JSONMode:     canonical.JSONModeStrict,
		OutputSchema: []byte(`{"type":"object","properties":{"a":{"type":"integer"}},"required":["a"]}`),
	}

	require.NoError(t, ValidateStrictJSON(resp, req))
}
