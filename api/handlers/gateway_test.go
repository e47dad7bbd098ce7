package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/agentflow/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 模拟 Provider
// =============================================================================

type mockGatewayProvider struct {
	name           string
	completeFunc   func(ctx context.Context, req gateway.CompletionRequest) (gateway.CompletionResponse, gateway.RequestMetrics, error)
	streamBody     string
	streamErr      error
}

func (p *mockGatewayProvider) Name() string                      { return p.name }
func (p *mockGatewayProvider) ProviderType() gateway.ProviderType { return gateway.ProviderAnthropic }
func (p *mockGatewayProvider) HealthCheck(ctx context.Context) (bool, error) { return true, nil }
func (p *mockGatewayProvider) ResolveModel(model string) string  { return "resolved-" + model }

func (p *mockGatewayProvider) Complete(ctx context.Context, req gateway.CompletionRequest, clientAuth, clientBeta string) (gateway.CompletionResponse, gateway.RequestMetrics, error) {
	if p.completeFunc != nil {
		return p.completeFunc(ctx, req)
	}
	return gateway.CompletionResponse{}, gateway.RequestMetrics{}, errors.New("not implemented")
}

func (p *mockGatewayProvider) CompleteStream(ctx context.Context, req gateway.CompletionRequest, clientAuth, clientBeta string) (gateway.ByteStream, error) {
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	return io.NopCloser(strings.NewReader(p.streamBody)), nil
}

func newTestHandler(t *testing.T, providers ...*mockGatewayProvider) *GatewayHandler {
	t.Helper()
	registry := gateway.NewProviderRegistry()
	var names []string
	for _, p := range providers {
		registry.Register(p.name, p)
		names = append(names, p.name)
	}
	router := gateway.NewRouter(gateway.RoutingConfig{DefaultProvider: names[0], FallbackChain: names})
	tracker := gateway.NewCostTracker(gateway.CostTrackingConfig{Enabled: true})
	broadcaster := gateway.NewBroadcaster(0)
	return NewGatewayHandler(router, registry, tracker, broadcaster, nil, nil, 1<<20, zap.NewNop())
}

// =============================================================================
// 🧪 HandleMessages — non-streaming
// =============================================================================

func TestHandleMessages_SuccessfulCompletion(t *testing.T) {
	provider := &mockGatewayProvider{
		name: "anthropic",
		completeFunc: func(ctx context.Context, req gateway.CompletionRequest) (gateway.CompletionResponse, gateway.RequestMetrics, error) {
			return gateway.CompletionResponse{ID: "msg_1", Content: []gateway.ContentBlock{{Type: gateway.ContentBlockText, Text: "hi"}}},
				gateway.NewRequestMetrics("req1", "anthropic", "claude", gateway.Usage{InputTokens: 1, OutputTokens: 1}, 0.01, 10),
				nil
		},
	}
	h := newTestHandler(t, provider)

	body := `{"model":"claude-3-opus","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.HandleMessages(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp gateway.CompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "msg_1", resp.ID)
}

func TestHandleMessages_FallsBackToSecondProviderOnFirstFailure(t *testing.T) {
	failing := &mockGatewayProvider{
		name: "primary",
		completeFunc: func(ctx context.Context, req gateway.CompletionRequest) (gateway.CompletionResponse, gateway.RequestMetrics, error) {
			return gateway.CompletionResponse{}, gateway.RequestMetrics{}, errors.New("upstream down")
		},
	}
	backup := &mockGatewayProvider{
		name: "backup",
		completeFunc: func(ctx context.Context, req gateway.CompletionRequest) (gateway.CompletionResponse, gateway.RequestMetrics, error) {
			return gateway.CompletionResponse{ID: "from-backup"}, gateway.NewRequestMetrics("r", "backup", "m", gateway.Usage{}, 0, 1), nil
		},
	}
	h := newTestHandler(t, failing, backup)

	body := `{"model":"claude-3-opus","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.HandleMessages(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp gateway.CompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "from-backup", resp.ID)
}

func TestHandleMessages_AllProvidersFailReturnsAggregateError(t *testing.T) {
	failing := &mockGatewayProvider{
		name: "only",
		completeFunc: func(ctx context.Context, req gateway.CompletionRequest) (gateway.CompletionResponse, gateway.RequestMetrics, error) {
			return gateway.CompletionResponse{}, gateway.RequestMetrics{}, errors.New("down")
		},
	}
	h := newTestHandler(t, failing)

	body := `{"model":"claude-3-opus","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.HandleMessages(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandleMessages_InvalidJSONBodyRejected(t *testing.T) {
	h := newTestHandler(t, &mockGatewayProvider{name: "anthropic"})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()

	h.HandleMessages(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleMessages_ValidationErrorRejected(t *testing.T) {
	h := newTestHandler(t, &mockGatewayProvider{name: "anthropic"})
	// max_tokens missing/zero fails CompletionRequest.Validate.
	body := `{"model":"claude-3-opus","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.HandleMessages(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleMessages_AgentTypeHeaderFedIntoRequest(t *testing.T) {
	var captured gateway.CompletionRequest
	provider := &mockGatewayProvider{
		name: "anthropic",
		completeFunc: func(ctx context.Context, req gateway.CompletionRequest) (gateway.CompletionResponse, gateway.RequestMetrics, error) {
			captured = req
			return gateway.CompletionResponse{ID: "ok"}, gateway.NewRequestMetrics("r", "anthropic", "m", gateway.Usage{}, 0, 1), nil
		},
	}
	h := newTestHandler(t, provider)

	body := `{"model":"claude-3-opus","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body))
	req.Header.Set("x-agent-type", "code-reviewer")
	w := httptest.NewRecorder()

	h.HandleMessages(w, req)
	assert.Equal(t, "code-reviewer", captured.AgentType)
}

// =============================================================================
// 🧪 HandleMessages — streaming
// =============================================================================

func TestHandleMessages_StreamingForwardsBytesAndRecordsUsage(t *testing.T) {
	sseBody := "event: content_block_delta\ndata: {\"text\":\"hi\"}\n\n" +
		"event: message_stop\ndata: {\"usage\":{\"input_tokens\":3,\"output_tokens\":4}}\n\n"
	provider := &mockGatewayProvider{name: "anthropic", streamBody: sseBody}
	h := newTestHandler(t, provider)

	body := `{"model":"claude-3-opus","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.HandleMessages(w, req)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "content_block_delta")

	snap := h.tracker.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalRequests, "usage observed mid-stream must still be recorded once the stream ends")
}

func TestHandleMessages_StreamingAllProvidersFail(t *testing.T) {
	provider := &mockGatewayProvider{name: "anthropic", streamErr: errors.New("stream unavailable")}
	h := newTestHandler(t, provider)

	body := `{"model":"claude-3-opus","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.HandleMessages(w, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

// =============================================================================
// 🧪 HandleModels / HandleHealth / HandleStats
// =============================================================================

func TestHandleModels_ListsEveryRegisteredProvider(t *testing.T) {
	h := newTestHandler(t, &mockGatewayProvider{name: "anthropic"}, &mockGatewayProvider{name: "openai"})
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()

	h.HandleModels(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Data []struct {
			ID       string `json:"id"`
			Provider string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out.Data, 2)
}

func TestHandleHealth_HealthyWhenAllProvidersHealthy(t *testing.T) {
	h := newTestHandler(t, &mockGatewayProvider{name: "anthropic"})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	h.HandleHealth(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestHandleStats_ReturnsSnapshot(t *testing.T) {
	h := newTestHandler(t, &mockGatewayProvider{name: "anthropic"})
	h.tracker.Record(gateway.RequestMetrics{Provider: "anthropic", CostUSD: 1})

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w := httptest.NewRecorder()
	h.HandleStats(w, req)

	var snap gateway.CostSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, uint64(1), snap.TotalRequests)
}

// =============================================================================
// 🧪 helpers
// =============================================================================

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}

func TestWriteGatewayError_ValidationErrorMapsTo400(t *testing.T) {
	w := httptest.NewRecorder()
	writeGatewayError(w, &gateway.ValidationError{Message: "bad"}, zap.NewNop())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
