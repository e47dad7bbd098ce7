// Package providers holds the concrete upstream LLM adapters that
// implement gateway.Provider.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BaSui01/agentflow/internal/gateway"
	"github.com/BaSui01/agentflow/internal/tlsutil"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks Anthropic's native Messages API — the gateway's
// own wire format is already Anthropic-shaped, so this provider does
// almost no translation.
type AnthropicProvider struct {
	name    string
	cfg     gateway.ProviderConfig
	client  *http.Client
	apiKey  string
	tracker *gateway.CostTracker
	logger  *zap.Logger
}

// NewAnthropicProvider builds a provider bound to one configured Anthropic
// (or Anthropic-compatible, e.g. VisiQuate Cloudflare-fronted) endpoint.
func NewAnthropicProvider(name string, cfg gateway.ProviderConfig, tracker *gateway.CostTracker, logger *zap.Logger) *AnthropicProvider {
	return &AnthropicProvider{
		name:    name,
		cfg:     cfg,
		client:  tlsutil.SecureHTTPClient(cfg.Timeout()),
		apiKey:  gateway.ResolveKeyRef(cfg.APIKeyRef),
		tracker: tracker,
		logger:  logger.With(zap.String("provider", name)),
	}
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) ProviderType() gateway.ProviderType { return gateway.ProviderAnthropic }

func (p *AnthropicProvider) ResolveModel(model string) string {
	if alias, ok := p.cfg.ModelAliases[model]; ok {
		return alias
	}
	return model
}

func (p *AnthropicProvider) apiURL() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
}

// HealthCheck has no dedicated Anthropic health endpoint, so reachability
// of the base URL stands in for it.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return true, nil
}

// anthropicAuth picks the (header name, header value) pair per the
// priority order: client passthrough > CLAUDE_CODE_OAUTH_TOKEN env var >
// configured API key (Bearer for OAuth-shaped keys, x-api-key otherwise).
func (p *AnthropicProvider) anthropicAuth(clientAuth string) (string, string) {
	if clientAuth != "" {
		if strings.HasPrefix(strings.ToLower(clientAuth), "bearer ") {
			return "Authorization", clientAuth
		}
		return "x-api-key", clientAuth
	}
	if token := os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"); token != "" {
		return "Authorization", "Bearer " + token
	}
	if strings.HasPrefix(p.apiKey, "sk-ant-oat") {
		return "Authorization", "Bearer " + p.apiKey
	}
	return "x-api-key", p.apiKey
}

type anthropicRequest struct {
	Model         string            `json:"model"`
	Messages      []gateway.Message `json:"messages"`
	MaxTokens     int               `json:"max_tokens"`
	System        string            `json:"system,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	TopK          *int              `json:"top_k,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
}

func (p *AnthropicProvider) buildRequest(req gateway.CompletionRequest, model string, stream bool) anthropicRequest {
	return anthropicRequest{
		Model:         model,
		Messages:      req.Messages,
		MaxTokens:     req.MaxTokens,
		System:        req.System,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
		Stream:        stream,
	}
}

func (p *AnthropicProvider) newHTTPRequest(ctx context.Context, body anthropicRequest, clientAuth, clientBeta string) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("content-type", "application/json")
	name, value := p.anthropicAuth(clientAuth)
	httpReq.Header.Set(name, value)
	if clientBeta != "" {
		httpReq.Header.Set("anthropic-beta", clientBeta)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
	return httpReq, nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, req gateway.CompletionRequest, clientAuth, clientBeta string) (gateway.CompletionResponse, gateway.RequestMetrics, error) {
	start := time.Now()
	requestID := uuid.NewString()
	model := p.ResolveModel(req.Model)

	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, model, false), clientAuth, clientBeta)
	if err != nil {
		return gateway.CompletionResponse{}, gateway.RequestMetrics{}, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return gateway.CompletionResponse{}, gateway.RequestMetrics{}, gateway.NewError(gateway.ErrSubprocessUnavailable, "anthropic request failed: "+err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gateway.CompletionResponse{}, gateway.RequestMetrics{}, err
	}
	if resp.StatusCode >= 400 {
		return gateway.CompletionResponse{}, gateway.RequestMetrics{}, fmt.Errorf("anthropic api error (%d): %s", resp.StatusCode, string(respBody))
	}

	var out gateway.CompletionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return gateway.CompletionResponse{}, gateway.RequestMetrics{}, fmt.Errorf("decode anthropic response: %w", err)
	}

	latencyMs := time.Since(start).Milliseconds()
	cost := p.tracker.EstimateCost(model, out.Usage)

	out.Provider = p.name
	out.LatencyMs = latencyMs
	out.CostUSD = cost

	metrics := gateway.NewRequestMetrics(requestID, p.name, model, out.Usage, cost, latencyMs).
		WithAgentType(req.AgentType).
		WithProjectID(req.ProjectID)

	return out, metrics, nil
}

func (p *AnthropicProvider) CompleteStream(ctx context.Context, req gateway.CompletionRequest, clientAuth, clientBeta string) (gateway.ByteStream, error) {
	model := p.ResolveModel(req.Model)
	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, model, true), clientAuth, clientBeta)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, gateway.NewError(gateway.ErrSubprocessUnavailable, "anthropic stream request failed: "+err.Error())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic api error (%d): %s", resp.StatusCode, string(body))
	}
	return resp.Body, nil
}
