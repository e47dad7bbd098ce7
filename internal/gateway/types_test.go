package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 🧪 Message wire shape
// =============================================================================

func TestMessage_MarshalsPlainTextAsBareString(t *testing.T) {
	m := Message{Role: RoleUser, Text: "hello"}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hello"}`, string(data))
}

func TestMessage_MarshalsBlocksAsArray(t *testing.T) {
	m := Message{Role: RoleAssistant, Blocks: []ContentBlock{{Type: ContentBlockText, Text: "hi"}}}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"assistant","content":[{"type":"text","text":"hi"}]}`, string(data))
}

func TestMessage_UnmarshalsBareStringContent(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hi there"}`), &m))
	assert.Equal(t, "hi there", m.Text)
	assert.Nil(t, m.Blocks)
}

func TestMessage_UnmarshalsBlockArrayContent(t *testing.T) {
	var m Message
	raw := `{"role":"user","content":[{"type":"tool_result","id":"t1","content":"42"}]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Empty(t, m.Text)
	require.Len(t, m.Blocks, 1)
	assert.Equal(t, ContentBlockToolResult, m.Blocks[0].Type)
	assert.Equal(t, "t1", m.Blocks[0].ToolUseID)
}

func TestMessage_RoundTrip(t *testing.T) {
	original := Message{Role: RoleUser, Text: "round trip"}
	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

// =============================================================================
// 🧪 CompletionRequest.Validate
// =============================================================================

func TestCompletionRequest_Validate(t *testing.T) {
	valid := func() CompletionRequest {
		return CompletionRequest{
			MaxTokens: 100,
			Messages:  []Message{{Role: RoleUser, Text: "hi"}},
		}
	}

	t.Run("valid request passes", func(t *testing.T) {
		req := valid()
		assert.NoError(t, req.Validate())
	})

	t.Run("max_tokens below one is rejected", func(t *testing.T) {
		req := valid()
		req.MaxTokens = 0
		assert.Error(t, req.Validate())
	})

	t.Run("temperature out of [0,1] is rejected", func(t *testing.T) {
		req := valid()
		bad := 1.5
		req.Temperature = &bad
		assert.Error(t, req.Validate())
	})

	t.Run("temperature at bounds is accepted", func(t *testing.T) {
		req := valid()
		zero, one := 0.0, 1.0
		req.Temperature = &zero
		assert.NoError(t, req.Validate())
		req.Temperature = &one
		assert.NoError(t, req.Validate())
	})

	t.Run("missing user message is rejected", func(t *testing.T) {
		req := valid()
		req.Messages = []Message{{Role: RoleAssistant, Text: "hi"}}
		assert.Error(t, req.Validate())
	})
}

// =============================================================================
// 🧪 RequestMetrics builder
// =============================================================================

func TestNewRequestMetrics_CopiesUsageFields(t *testing.T) {
	usage := Usage{InputTokens: 10, OutputTokens: 20, CacheReadInputTokens: 5}
	m := NewRequestMetrics("req-1", "anthropic", "claude-3-opus", usage, 0.05, 120)

	assert.Equal(t, "req-1", m.RequestID)
	assert.Equal(t, 10, m.InputTokens)
	assert.Equal(t, 20, m.OutputTokens)
	assert.Equal(t, 5, m.CacheReadTokens)
	assert.Equal(t, 0.05, m.CostUSD)
	assert.False(t, m.Timestamp.IsZero())
}

func TestRequestMetrics_FluentBuilders(t *testing.T) {
	m := NewRequestMetrics("req-1", "anthropic", "claude-3-opus", Usage{}, 0, 0).
		WithAgentType("code-reviewer").
		WithProjectID("proj-1")

	assert.Equal(t, "code-reviewer", m.AgentType)
	assert.Equal(t, "proj-1", m.ProjectID)
}
