package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelInferenceRequest_Validate_EmptyMessages(t *testing.T) {
	req := &ModelInferenceRequest{}
	err := req.Validate()
	require.Error(t, err)

	var classified *ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, KindInvalidRequest, classified.Kind)
}

func TestModelInferenceRequest_Validate_ToolCallArgumentsMustBeObject(t *testing.T) {
	cases := []struct {
		name      string
		arguments string
		wantErr   bool
	}{
		{"object", `{"x":1}`, false},
		{"array", `[1,2,3]`, true},
		{"string", `"not an object"`, true},
		{"malformed", `{not json`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := &ModelInferenceRequest{
				Messages: []RequestMessage{
					{
						Role: RoleAssistant,
						Content: []ContentBlock{
							ToolCallBlock{ID: "t1", Name: "calc", Arguments: tc.arguments},
						},
					},
				},
			}
			err := req.Validate()
			if tc.wantErr {
				require.Error(t, err)
				var classified *ClassifiedError
				require.ErrorAs(t, err, &classified)
				assert.Equal(t, KindInvalidRequest, classified.Kind)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestUsage_AddUsage_Saturates(t *testing.T) {
	max := Usage{InputTokens: ^uint32(0), OutputTokens: 0}
	result := AddUsage(max, Usage{InputTokens: 5, OutputTokens: 5})
	assert.Equal(t, ^uint32(0), result.InputTokens)
	assert.Equal(t, uint32(5), result.OutputTokens)
}

func TestUsage_AddUsage_Normal(t *testing.T) {
	a := Usage{InputTokens: 10, OutputTokens: 2}
	b := Usage{InputTokens: 3, OutputTokens: 4}
	result := AddUsage(a, b)
	assert.Equal(t, uint32(13), result.InputTokens)
	assert.Equal(t, uint32(6), result.OutputTokens)
}

func TestContentBlock_ClosedVariant(t *testing.T) {
	// Exhaustiveness sanity check: every ContentBlock implementation in
	// this package must route to a distinct blockKind.
	var blocks = []ContentBlock{
		TextBlock{Text: "hi"},
		ToolCallBlock{ID: "1", Name: "f", Arguments: "{}"},
		ToolResultBlock{ID: "1", Name: "f", Result: "ok"},
	}
	seen := map[blockKind]bool{}
	for _, b := range blocks {
		seen[b.contentBlockKind()] = true
	}
	assert.Len(t, seen, 3)
}
