// Package reassemble collapses a canonical chunk stream into one final
// ProviderInferenceResponse, for recording and for callers of a streaming
// path that want the complete result.
package reassemble

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/howard-nolan/llmgateway/internal/canonical"
)

// textBlock accumulates one Text content block's deltas.
type textBlock struct {
	id   string
	text strings.Builder
}

// toolBlock accumulates one ToolCall content block's deltas.
type toolBlock struct {
	id        string
	name      string
	arguments strings.Builder
}

// Reassemble drains chunks to completion and folds them into one
// ProviderInferenceResponse. Ordering within each kind follows first
// appearance; the final output is every tool call followed by every text
// block. An empty chunk stream is a TypeConversion error — there is no
// sensible "empty" response to return. An item carrying a terminal error
// (StreamItem.Err != nil) ends reassembly immediately and that error is
// returned as-is — a stream that failed partway through never produces a
// ProviderInferenceResponse built from whatever content arrived before
// the failure, so a caller (e.g. a sink recording this result) can't
// mistake a truncated stream for a successful one.
func Reassemble(ctx context.Context, chunks <-chan canonical.StreamItem) (*canonical.ProviderInferenceResponse, error) {
	var (
		textOrder   []string
		texts       = map[string]*textBlock{}
		toolOrder   []string
		tools       = map[string]*toolBlock{}
		usage       canonical.Usage
		rawParts    []string
		inferenceID string
		ttft        time.Duration
		lastLatency time.Duration
		haveFirst   bool
		sawAny      bool
	)

	for {
		select {
		case item, ok := <-chunks:
			if !ok {
				goto done
			}
			if item.Err != nil {
				return nil, item.Err
			}
			chunk := item.Chunk
			sawAny = true
			if inferenceID == "" {
				inferenceID = chunk.InferenceID
			}
			if chunk.RawResponse != "" {
				rawParts = append(rawParts, chunk.RawResponse)
			}
			if chunk.Usage != nil {
				usage = canonical.AddUsage(usage, *chunk.Usage)
			}
			if len(chunk.Content) > 0 && !haveFirst {
				ttft = chunk.Latency
				haveFirst = true
			}
			lastLatency = chunk.Latency

			for _, c := range chunk.Content {
				switch c.Kind {
				case canonical.ChunkText:
					tb, ok := texts[c.ID]
					if !ok {
						tb = &textBlock{id: c.ID}
						texts[c.ID] = tb
						textOrder = append(textOrder, c.ID)
					}
					tb.text.WriteString(c.Text)
				case canonical.ChunkToolCall:
					tb, ok := tools[c.ID]
					if !ok {
						tb = &toolBlock{id: c.ID, name: c.RawName}
						tools[c.ID] = tb
						toolOrder = append(toolOrder, c.ID)
					}
					if c.RawName != "" {
						tb.name = c.RawName
					}
					tb.arguments.WriteString(c.RawArguments)
				}
			}
		case <-ctx.Done():
			return nil, &canonical.ClassifiedError{
				Kind:    canonical.KindInferenceServer,
				Message: "reassembly cancelled: " + ctx.Err().Error(),
			}
		}
	}

done:
	if !sawAny {
		return nil, canonical.NewTypeConversion("reassembling an empty chunk stream")
	}
	if !haveFirst {
		return nil, canonical.NewTypeConversion("chunk stream carried usage but never any content")
	}

	output := make([]canonical.ContentBlock, 0, len(toolOrder)+len(textOrder))
	for _, id := range toolOrder {
		tb := tools[id]
		output = append(output, canonical.ToolCallBlock{ID: tb.id, Name: tb.name, Arguments: tb.arguments.String()})
	}
	for _, id := range textOrder {
		output = append(output, canonical.TextBlock{Text: texts[id].text.String()})
	}

	return &canonical.ProviderInferenceResponse{
		ID:          inferenceID,
		Created:     time.Now().Unix(),
		Output:      output,
		RawResponse: strings.Join(rawParts, "\n"),
		Usage:       usage,
		Latency: canonical.Latency{
			Kind:         canonical.LatencyStreaming,
			ResponseTime: lastLatency,
			TTFT:         ttft,
		},
	}, nil
}

// RawJSONView returns the string a JSON-mode caller should parse as the
// model's structured output, and whether one was found at all. It prefers
// the last tool call's accumulated arguments over the last text block —
// a JSON-mode model that happened to also call a tool is assumed to have
// put the final answer in the tool call.
func RawJSONView(resp *canonical.ProviderInferenceResponse, req *canonical.ModelInferenceRequest) (string, bool) {
	if req.FunctionType != canonical.FunctionTypeJSON || req.JSONMode == canonical.JSONModeOff {
		return "", false
	}

	var lastTool *canonical.ToolCallBlock
	var lastText *canonical.TextBlock
	for i := range resp.Output {
		switch b := resp.Output[i].(type) {
		case canonical.ToolCallBlock:
			lastTool = &b
		case canonical.TextBlock:
			lastText = &b
		}
	}

	if lastTool != nil {
		return lastTool.Arguments, true
	}
	if lastText != nil {
		return lastText.Text, true
	}
	return "", false
}

// ValidateStrictJSON enforces req.OutputSchema against the raw JSON view
// when the caller asked for Strict JSON mode. A schema violation becomes a
// TypeConversion error rather than a silently-accepted malformed response.
func ValidateStrictJSON(resp *canonical.ProviderInferenceResponse, req *canonical.ModelInferenceRequest) error {
	if req.FunctionType != canonical.FunctionTypeJSON || req.JSONMode != canonical.JSONModeStrict {
		return nil
	}
	if len(req.OutputSchema) == 0 {
		return nil
	}

	raw, ok := RawJSONView(resp, req)
	if !ok {
		return canonical.NewTypeConversion("strict JSON mode requested but the response carried no content to validate")
	}

	var schemaDoc any
	if err := json.Unmarshal(req.OutputSchema, &schemaDoc); err != nil {
		return canonical.NewTypeConversion("output_schema is not valid JSON: " + err.Error())
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("strict-output-schema.json", schemaDoc); err != nil {
		return canonical.NewTypeConversion("output_schema could not be compiled: " + err.Error())
	}
	schema, err := compiler.Compile("strict-output-schema.json")
	if err != nil {
		return canonical.NewTypeConversion("output_schema could not be compiled: " + err.Error())
	}

	var instance any
	if err := json.Unmarshal([]byte(raw), &instance); err != nil {
		return canonical.NewTypeConversion("strict JSON mode response is not valid JSON: " + err.Error())
	}
	if err := schema.Validate(instance); err != nil {
		return canonical.NewTypeConversion("strict JSON mode response does not satisfy output_schema: " + err.Error())
	}
	return nil
}
