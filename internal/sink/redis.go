package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends one XADD entry per record to a Redis stream,
// for a downstream consumer (outside this repo's scope) to pick up.
type RedisStreamSink struct {
	Client *redis.Client
	Stream string
}

// NewRedisStreamSink builds a sink against an already-connected client.
func NewRedisStreamSink(client *redis.Client, stream string) *RedisStreamSink {
	return &RedisStreamSink{Client: client, Stream: stream}
}

func (s *RedisStreamSink) Record(ctx context.Context, rec Record) error {
	inputMessages, err := json.Marshal(rec.InputMessages)
	if err != nil {
		return fmt.Errorf("marshaling input messages for redis stream: %w", err)
	}

	fields := map[string]any{
		"id":                  rec.ID,
		"inference_id":        rec.InferenceID,
		"raw_request":         rec.RawRequest,
		"raw_response":        rec.RawResponse,
		"input_messages":      string(inputMessages),
		"output":              string(rec.Output),
		"input_tokens":        rec.InputTokens,
		"output_tokens":       rec.OutputTokens,
		"response_time_ms":    rec.ResponseTimeMS,
		"model_name":          rec.ModelName,
		"model_provider_name": rec.ModelProviderName,
	}
	if rec.System != nil {
		fields["system"] = *rec.System
	}
	if rec.TTFTMS != nil {
		fields["ttft_ms"] = *rec.TTFTMS
	}

	return s.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.Stream,
		Values: fields,
	}).Err()
}
