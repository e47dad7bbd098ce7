// Package gateway implements the LLM orchestration daemon: provider
// registry and translation, request routing, SSE streaming, cost
// tracking, credential resolution and the security/rate middleware that
// sits in front of all of it.
package gateway

import (
	"encoding/json"
	"time"
)

// Role is a message participant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentBlockType discriminates the kinds of structured message content.
type ContentBlockType string

const (
	ContentBlockText       ContentBlockType = "text"
	ContentBlockToolUse    ContentBlockType = "tool_use"
	ContentBlockToolResult ContentBlockType = "tool_result"
)

// ContentBlock is one typed element of a message's structured content.
type ContentBlock struct {
	Type      ContentBlockType `json:"type"`
	Text      string           `json:"text,omitempty"`
	ToolUseID string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     map[string]any   `json:"input,omitempty"`
	Content   string           `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
}

// Message is a single turn in a completion request. Content is either a
// plain string (Text set, Blocks nil) or an ordered list of content blocks
// — the Anthropic wire format allows both shapes for "content", so Message
// carries its own MarshalJSON/UnmarshalJSON to accept and produce either.
type Message struct {
	Role   Role
	Text   string
	Blocks []ContentBlock
}

type wireMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON encodes Content as a bare string when Blocks is empty,
// otherwise as the block array.
func (m Message) MarshalJSON() ([]byte, error) {
	var content json.RawMessage
	var err error
	if len(m.Blocks) > 0 {
		content, err = json.Marshal(m.Blocks)
	} else {
		content, err = json.Marshal(m.Text)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Role: m.Role, Content: content})
}

// UnmarshalJSON decodes Content from either a bare string or a block
// array, leaving the other field at its zero value.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role

	if len(w.Content) == 0 {
		return nil
	}
	if err := json.Unmarshal(w.Content, &m.Text); err == nil {
		return nil
	}
	return json.Unmarshal(w.Content, &m.Blocks)
}

// Usage is provider-reported token accounting for one completion.
type Usage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// CompletionRequest is the gateway's internal representation of an
// Anthropic Messages-compatible request, independent of which upstream
// provider ultimately serves it.
type CompletionRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        string          `json:"system,omitempty"`
	SystemBlocks  []ContentBlock  `json:"-"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`

	// Routing hints, not part of the Anthropic wire format.
	AgentType string `json:"-"`
	ProjectID string `json:"-"`
}

// Validate enforces the request invariants from the data model: at least
// one user message, max_tokens >= 1, temperature in [0,1] when present.
func (r *CompletionRequest) Validate() error {
	if r.MaxTokens < 1 {
		return errInvalid("max_tokens must be >= 1")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 1) {
		return errInvalid("temperature must be in [0,1]")
	}
	hasUser := false
	for _, m := range r.Messages {
		if m.Role == RoleUser {
			hasUser = true
			break
		}
	}
	if !hasUser {
		return errInvalid("at least one user message is required")
	}
	return nil
}

// CompletionResponse mirrors Anthropic's Messages response, augmented
// with gateway bookkeeping (provider, latency, cost).
type CompletionResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`

	Provider  string `json:"provider,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// RequestMetrics is the per-request record fed into the cost tracker.
type RequestMetrics struct {
	RequestID      string    `json:"request_id"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	AgentType      string    `json:"agent_type,omitempty"`
	ProjectID      string    `json:"project_id,omitempty"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CacheWriteTokens int     `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`
	CostUSD        float64   `json:"cost_usd"`
	LatencyMs      int64     `json:"latency_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewRequestMetrics builds a RequestMetrics from a completed request/usage pair.
func NewRequestMetrics(requestID, provider, model string, usage Usage, costUSD float64, latencyMs int64) RequestMetrics {
	return RequestMetrics{
		RequestID:        requestID,
		Provider:         provider,
		Model:            model,
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheWriteTokens: usage.CacheCreationInputTokens,
		CacheReadTokens:  usage.CacheReadInputTokens,
		CostUSD:          costUSD,
		LatencyMs:        latencyMs,
		Timestamp:        time.Now(),
	}
}

// WithAgentType attaches an agent-type label (fluent, mirrors the builder
// style used by RequestMetrics in the upstream metrics model).
func (m RequestMetrics) WithAgentType(agentType string) RequestMetrics {
	m.AgentType = agentType
	return m
}

// WithProjectID attaches a project-id label.
func (m RequestMetrics) WithProjectID(projectID string) RequestMetrics {
	m.ProjectID = projectID
	return m
}

// RouteDecision is the routing engine's output.
type RouteDecision struct {
	Provider  string   `json:"provider"`
	Reason    string   `json:"reason"`
	Fallbacks []string `json:"fallbacks"`
}

func errInvalid(msg string) error {
	return &ValidationError{Message: msg}
}

// ValidationError marks a CompletionRequest invariant violation (HTTP 400).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
