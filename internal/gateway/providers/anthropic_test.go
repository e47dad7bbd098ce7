package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/BaSui01/agentflow/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAnthropicProvider(t *testing.T, baseURL string, apiKeyRef string) *AnthropicProvider {
	t.Helper()
	cfg := gateway.ProviderConfig{BaseURL: baseURL, APIKeyRef: apiKeyRef, TimeoutSecs: 5}
	tracker := gateway.NewCostTracker(gateway.CostTrackingConfig{Enabled: true})
	return NewAnthropicProvider("anthropic", cfg, tracker, zap.NewNop())
}

// =============================================================================
// 🧪 Auth precedence
// =============================================================================

func TestAnthropicAuth_ClientBearerPassthrough(t *testing.T) {
	p := newTestAnthropicProvider(t, "https://api.anthropic.com", "sk-ant-configured")
	name, value := p.anthropicAuth("Bearer client-token")
	assert.Equal(t, "Authorization", name)
	assert.Equal(t, "Bearer client-token", value)
}

func TestAnthropicAuth_ClientXAPIKeyPassthrough(t *testing.T) {
	p := newTestAnthropicProvider(t, "https://api.anthropic.com", "sk-ant-configured")
	name, value := p.anthropicAuth("sk-ant-client-raw")
	assert.Equal(t, "x-api-key", name)
	assert.Equal(t, "sk-ant-client-raw", value)
}

func TestAnthropicAuth_OAuthEnvVarTakesPrecedenceOverConfiguredKey(t *testing.T) {
	os.Setenv("CLAUDE_CODE_OAUTH_TOKEN", "oauth-from-env")
	defer os.Unsetenv("CLAUDE_CODE_OAUTH_TOKEN")

	p := newTestAnthropicProvider(t, "https://api.anthropic.com", "sk-ant-configured")
	name, value := p.anthropicAuth("")
	assert.Equal(t, "Authorization", name)
	assert.Equal(t, "Bearer oauth-from-env", value)
}

func TestAnthropicAuth_ConfiguredOAuthShapedKeyUsesBearer(t *testing.T) {
	os.Unsetenv("CLAUDE_CODE_OAUTH_TOKEN")
	p := newTestAnthropicProvider(t, "https://api.anthropic.com", "sk-ant-oat-configured")
	name, value := p.anthropicAuth("")
	assert.Equal(t, "Authorization", name)
	assert.Equal(t, "Bearer sk-ant-oat-configured", value)
}

func TestAnthropicAuth_ConfiguredPlainKeyUsesXAPIKey(t *testing.T) {
	os.Unsetenv("CLAUDE_CODE_OAUTH_TOKEN")
	p := newTestAnthropicProvider(t, "https://api.anthropic.com", "sk-ant-plain")
	name, value := p.anthropicAuth("")
	assert.Equal(t, "x-api-key", name)
	assert.Equal(t, "sk-ant-plain", value)
}

// =============================================================================
// 🧪 ResolveModel / apiURL
// =============================================================================

func TestAnthropicProvider_ResolveModel_AliasAndPassthrough(t *testing.T) {
	cfg := gateway.ProviderConfig{ModelAliases: map[string]string{"sonnet": "claude-3-5-sonnet-latest"}}
	p := NewAnthropicProvider("anthropic", cfg, gateway.NewCostTracker(gateway.CostTrackingConfig{}), zap.NewNop())
	assert.Equal(t, "claude-3-5-sonnet-latest", p.ResolveModel("sonnet"))
	assert.Equal(t, "claude-3-opus-20240229", p.ResolveModel("claude-3-opus-20240229"))
}

func TestAnthropicProvider_APIURL_TrimsTrailingSlash(t *testing.T) {
	p := newTestAnthropicProvider(t, "https://api.anthropic.com/", "")
	assert.Equal(t, "https://api.anthropic.com/v1/messages", p.apiURL())
}

// =============================================================================
// 🧪 Complete / HealthCheck against an httptest server
// =============================================================================

func TestAnthropicProvider_Complete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.CompletionResponse{
			ID: "msg_1", Type: "message", Role: "assistant", Model: "claude-3-opus-20240229",
			Content: []gateway.ContentBlock{{Type: gateway.ContentBlockText, Text: "hi"}},
			Usage:   gateway.Usage{InputTokens: 10, OutputTokens: 5},
		})
	}))
	defer srv.Close()

	os.Unsetenv("CLAUDE_CODE_OAUTH_TOKEN")
	p := newTestAnthropicProvider(t, srv.URL, "sk-ant-test")

	req := gateway.CompletionRequest{
		Model:     "claude-3-opus-20240229",
		MaxTokens: 100,
		Messages:  []gateway.Message{{Role: gateway.RoleUser, Text: "hi"}},
	}
	resp, metrics, err := p.Complete(context.Background(), req, "", "")
	require.NoError(t, err)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, "anthropic", metrics.Provider)
	assert.Equal(t, 10, metrics.InputTokens)
}

func TestAnthropicProvider_Complete_UpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	p := newTestAnthropicProvider(t, srv.URL, "sk-ant-test")
	req := gateway.CompletionRequest{MaxTokens: 10, Messages: []gateway.Message{{Role: gateway.RoleUser, Text: "hi"}}}
	_, _, err := p.Complete(context.Background(), req, "", "")
	require.Error(t, err)
}

func TestAnthropicProvider_HealthCheck_ReportsUnhealthyOnTransportError(t *testing.T) {
	p := newTestAnthropicProvider(t, "http://127.0.0.1:0", "")
	healthy, err := p.HealthCheck(context.Background())
	assert.False(t, healthy)
	assert.NoError(t, err, "a transport failure is reported as unhealthy, not as an error")
}

func TestAnthropicProvider_HealthCheck_HealthyOnReachableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestAnthropicProvider(t, srv.URL, "")
	healthy, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, healthy)
}
