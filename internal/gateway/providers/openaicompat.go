package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/agentflow/internal/gateway"
	"github.com/BaSui01/agentflow/internal/tlsutil"
	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// OpenAICompatProvider is the shared gateway.Provider implementation for
// every upstream that speaks the OpenAI chat-completions wire format:
// OpenAI itself, DeepSeek, Azure OpenAI and Ollama. Only URL construction,
// auth headers and (for Ollama) token accounting differ between them, so
// those are the only things parameterized by ProviderConfig.ProviderType.
type OpenAICompatProvider struct {
	name     string
	cfg      gateway.ProviderConfig
	client   *http.Client
	apiKey   string
	tracker  *gateway.CostTracker
	logger   *zap.Logger
	encoding *tiktoken.Tiktoken // used only to estimate tokens Ollama doesn't report
}

// NewOpenAICompatProvider builds a provider bound to one configured
// OpenAI-compatible endpoint. cfg.ProviderType selects URL/auth
// conventions: ProviderAzure gets Azure's deployment URL and api-key
// header; every other value gets /v1/chat/completions and a Bearer token.
func NewOpenAICompatProvider(name string, cfg gateway.ProviderConfig, tracker *gateway.CostTracker, logger *zap.Logger) *OpenAICompatProvider {
	enc, _ := tiktoken.GetEncoding("cl100k_base")
	return &OpenAICompatProvider{
		name:     name,
		cfg:      cfg,
		client:   tlsutil.SecureHTTPClient(cfg.Timeout()),
		apiKey:   gateway.ResolveKeyRef(cfg.APIKeyRef),
		tracker:  tracker,
		logger:   logger.With(zap.String("provider", name)),
		encoding: enc,
	}
}

func (p *OpenAICompatProvider) Name() string                      { return p.name }
func (p *OpenAICompatProvider) ProviderType() gateway.ProviderType { return p.cfg.ProviderType }

func (p *OpenAICompatProvider) ResolveModel(model string) string {
	if alias, ok := p.cfg.ModelAliases[model]; ok {
		return alias
	}
	if model == "" {
		return p.cfg.DefaultModel
	}
	return model
}

// chatEndpoint builds the chat-completions URL, handling Azure's
// deployment-scoped path and api-version query parameter.
func (p *OpenAICompatProvider) chatEndpoint(model string) string {
	base := strings.TrimRight(p.cfg.BaseURL, "/")
	if p.cfg.ProviderType == gateway.ProviderAzure {
		deployment := model
		if p.cfg.Deployment != nil && *p.cfg.Deployment != "" {
			deployment = *p.cfg.Deployment
		}
		apiVersion := "2024-02-15-preview"
		if p.cfg.APIVersion != nil && *p.cfg.APIVersion != "" {
			apiVersion = *p.cfg.APIVersion
		}
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", base, deployment, apiVersion)
	}
	return base + "/v1/chat/completions"
}

func (p *OpenAICompatProvider) modelsEndpoint() string {
	base := strings.TrimRight(p.cfg.BaseURL, "/")
	return base + "/v1/models"
}

func (p *OpenAICompatProvider) setAuthHeaders(req *http.Request, clientAuth string) {
	key := p.apiKey
	if clientAuth != "" {
		key = strings.TrimPrefix(clientAuth, "Bearer ")
		key = strings.TrimPrefix(key, "bearer ")
	}
	if p.cfg.ProviderType == gateway.ProviderAzure {
		req.Header.Set("api-key", key)
	} else {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
}

// HealthCheck probes the models listing endpoint. Ollama has no API key
// requirement, so the same request shape works unauthenticated against it.
func (p *OpenAICompatProvider) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.modelsEndpoint(), nil)
	if err != nil {
		return false, err
	}
	p.setAuthHeaders(req, "")
	resp, err := p.client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// --- OpenAI chat-completions wire shapes ---

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	Stop        []string    `json:"stop,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
}

type oaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type oaChoice struct {
	Index        int       `json:"index"`
	Message      oaMessage `json:"message"`
	FinishReason string    `json:"finish_reason"`
}

type oaResponse struct {
	ID      string     `json:"id"`
	Model   string     `json:"model"`
	Choices []oaChoice `json:"choices"`
	Usage   oaUsage    `json:"usage"`
}

// toOpenAIMessages flattens the gateway's block-aware Message into plain
// text turns; OpenAI-compatible chat completions don't share Anthropic's
// structured tool_use/tool_result content blocks in this gateway's scope.
func toOpenAIMessages(req gateway.CompletionRequest) []oaMessage {
	out := make([]oaMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, oaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		text := m.Text
		if text == "" {
			for _, b := range m.Blocks {
				if b.Type == gateway.ContentBlockText {
					text += b.Text
				}
			}
		}
		out = append(out, oaMessage{Role: string(m.Role), Content: text})
	}
	return out
}

func (p *OpenAICompatProvider) buildRequest(req gateway.CompletionRequest, model string, stream bool) oaRequest {
	return oaRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      stream,
	}
}

// estimateUsage fills in token counts via tiktoken when the upstream (most
// notably Ollama) doesn't report usage at all.
func (p *OpenAICompatProvider) estimateUsage(req gateway.CompletionRequest, completion string, reported oaUsage) gateway.Usage {
	if reported.PromptTokens != 0 || reported.CompletionTokens != 0 {
		return gateway.Usage{InputTokens: reported.PromptTokens, OutputTokens: reported.CompletionTokens}
	}
	if p.encoding == nil {
		return gateway.Usage{}
	}
	var promptText strings.Builder
	promptText.WriteString(req.System)
	for _, m := range req.Messages {
		promptText.WriteString(m.Text)
	}
	return gateway.Usage{
		InputTokens:  len(p.encoding.Encode(promptText.String(), nil, nil)),
		OutputTokens: len(p.encoding.Encode(completion, nil, nil)),
	}
}

func (p *OpenAICompatProvider) Complete(ctx context.Context, req gateway.CompletionRequest, clientAuth, clientBeta string) (gateway.CompletionResponse, gateway.RequestMetrics, error) {
	start := time.Now()
	requestID := uuid.NewString()
	model := p.ResolveModel(req.Model)

	payload, err := json.Marshal(p.buildRequest(req, model, false))
	if err != nil {
		return gateway.CompletionResponse{}, gateway.RequestMetrics{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatEndpoint(model), bytes.NewReader(payload))
	if err != nil {
		return gateway.CompletionResponse{}, gateway.RequestMetrics{}, err
	}
	p.setAuthHeaders(httpReq, clientAuth)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return gateway.CompletionResponse{}, gateway.RequestMetrics{}, gateway.NewError(gateway.ErrSubprocessUnavailable, p.name+" request failed: "+err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gateway.CompletionResponse{}, gateway.RequestMetrics{}, err
	}
	if resp.StatusCode >= 400 {
		return gateway.CompletionResponse{}, gateway.RequestMetrics{}, fmt.Errorf("%s api error (%d): %s", p.name, resp.StatusCode, string(body))
	}

	var oaResp oaResponse
	if err := json.Unmarshal(body, &oaResp); err != nil {
		return gateway.CompletionResponse{}, gateway.RequestMetrics{}, fmt.Errorf("decode %s response: %w", p.name, err)
	}

	var text string
	if len(oaResp.Choices) > 0 {
		text = oaResp.Choices[0].Message.Content
	}
	usage := p.estimateUsage(req, text, oaResp.Usage)
	cost := p.tracker.EstimateCost(model, usage)
	latencyMs := time.Since(start).Milliseconds()

	out := gateway.CompletionResponse{
		ID:        requestID,
		Type:      "message",
		Role:      "assistant",
		Model:     model,
		Content:   []gateway.ContentBlock{{Type: gateway.ContentBlockText, Text: text}},
		Usage:     usage,
		Provider:  p.name,
		LatencyMs: latencyMs,
		CostUSD:   cost,
	}
	if len(oaResp.Choices) > 0 {
		out.StopReason = oaResp.Choices[0].FinishReason
	}

	metrics := gateway.NewRequestMetrics(requestID, p.name, model, usage, cost, latencyMs).
		WithAgentType(req.AgentType).
		WithProjectID(req.ProjectID)

	return out, metrics, nil
}

// CompleteStream relays the upstream SSE chunk stream as raw bytes
// translated into Anthropic-shaped SSE frames the gateway's own sse.go
// parser and broadcaster understand, so downstream clients always see one
// shape regardless of which provider served the request.
func (p *OpenAICompatProvider) CompleteStream(ctx context.Context, req gateway.CompletionRequest, clientAuth, clientBeta string) (gateway.ByteStream, error) {
	model := p.ResolveModel(req.Model)
	payload, err := json.Marshal(p.buildRequest(req, model, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatEndpoint(model), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	p.setAuthHeaders(httpReq, clientAuth)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, gateway.NewError(gateway.ErrSubprocessUnavailable, p.name+" stream request failed: "+err.Error())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s api error (%d): %s", p.name, resp.StatusCode, string(body))
	}

	pr, pw := io.Pipe()
	go translateOpenAIStream(resp.Body, pw, model)
	return pr, nil
}

type oaStreamDelta struct {
	Content string `json:"content"`
}

type oaStreamChoice struct {
	Delta        oaStreamDelta `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type oaStreamChunk struct {
	ID      string           `json:"id"`
	Model   string           `json:"model"`
	Choices []oaStreamChoice `json:"choices"`
}

// translateOpenAIStream reads an OpenAI-compatible "data: {...}" SSE
// stream and rewrites each delta as an Anthropic-shaped
// content_block_delta event, so the gateway's SSE parsing and client
// contract stay provider-agnostic.
func translateOpenAIStream(body io.ReadCloser, out *io.PipeWriter, model string) {
	defer body.Close()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			fmt.Fprintf(out, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
			break
		}

		var chunk oaStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			evt := map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]string{"type": "text_delta", "text": choice.Delta.Content},
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(out, "event: content_block_delta\ndata: %s\n\n", payload)
		}
	}
	out.Close()
}
