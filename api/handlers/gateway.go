package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/BaSui01/agentflow/internal/gateway"
	"github.com/BaSui01/agentflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// 🌐 LLM 网关 Handler
// =============================================================================
// Serves the Anthropic Messages-compatible surface: POST /v1/messages,
// GET /v1/models, GET /health, GET /api/stats and GET /api/stats/stream.
// =============================================================================

// GatewayHandler wires the routing engine, provider registry, cost tracker,
// broadcaster and audit log into the gateway's HTTP surface.
type GatewayHandler struct {
	router      *gateway.Router
	registry    *gateway.ProviderRegistry
	tracker     *gateway.CostTracker
	broadcaster *gateway.Broadcaster
	audit       *gateway.AuditLog
	metrics     *gateway.Metrics
	maxBodyBytes int
	logger      *zap.Logger
}

// NewGatewayHandler builds a GatewayHandler. audit and metrics may be nil
// (disabled by config); both tolerate a nil receiver.
func NewGatewayHandler(
	router *gateway.Router,
	registry *gateway.ProviderRegistry,
	tracker *gateway.CostTracker,
	broadcaster *gateway.Broadcaster,
	audit *gateway.AuditLog,
	metrics *gateway.Metrics,
	maxBodyBytes int,
	logger *zap.Logger,
) *GatewayHandler {
	return &GatewayHandler{
		router:       router,
		registry:     registry,
		tracker:      tracker,
		broadcaster:  broadcaster,
		audit:        audit,
		metrics:      metrics,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// HandleMessages serves POST /v1/messages (and its /v1/chat/completions
// alias): decode, validate, route to a primary provider with ordered
// fallbacks, dispatch to streaming or synchronous completion.
func (h *GatewayHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := readBoundedBody(w, r, h.maxBodyBytes)
	if err != nil {
		writeGatewayError(w, err, h.logger)
		return
	}
	if verr := gateway.ValidateBody(body, h.maxBodyBytes); verr != nil {
		writeGatewayError(w, verr, h.logger)
		return
	}

	var req gateway.CompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeGatewayError(w, types.NewError(types.ErrInvalidRequest, "invalid JSON body").WithCause(err), h.logger)
		return
	}
	req.AgentType = r.Header.Get("x-agent-type")
	req.ProjectID = r.Header.Get("x-project-id")

	if err := req.Validate(); err != nil {
		writeGatewayError(w, types.NewError(types.ErrInvalidRequest, err.Error()), h.logger)
		return
	}

	decision := h.router.Route(req)
	clientAuth := firstNonEmpty(r.Header.Get("Authorization"), r.Header.Get("x-api-key"))
	clientBeta := r.Header.Get("anthropic-beta")

	if req.Stream {
		h.serveStream(w, r, req, decision, clientAuth, clientBeta)
		return
	}
	h.serveComplete(w, r, req, decision, clientAuth, clientBeta)
}

// candidateProviders returns [primary, fallbacks...] as resolved Provider
// instances, skipping any name the registry can't resolve.
func (h *GatewayHandler) candidateProviders(decision gateway.RouteDecision) []gateway.Provider {
	names := append([]string{decision.Provider}, decision.Fallbacks...)
	out := make([]gateway.Provider, 0, len(names))
	for _, name := range names {
		if p, err := h.registry.Get(name); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (h *GatewayHandler) serveComplete(w http.ResponseWriter, r *http.Request, req gateway.CompletionRequest, decision gateway.RouteDecision, clientAuth, clientBeta string) {
	candidates := h.candidateProviders(decision)
	if len(candidates) == 0 {
		writeGatewayError(w, types.NewError(gateway.ErrProviderNotFound, "no provider available for route"), h.logger)
		return
	}

	var attempts []gateway.ProviderAttempt
	for _, p := range candidates {
		start := time.Now()
		resp, metrics, err := p.Complete(r.Context(), req, clientAuth, clientBeta)
		if err != nil {
			attempts = append(attempts, gateway.ProviderAttempt{Provider: p.Name(), Error: err.Error()})
			if h.metrics != nil {
				h.metrics.ObserveProviderError(p.Name())
			}
			h.logger.Warn("provider completion failed", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}

		h.tracker.Record(metrics)
		if h.metrics != nil {
			h.metrics.Observe(metrics)
		}
		h.broadcaster.Publish(gateway.TuiStreamEvent{
			Type:         gateway.EventCompleted,
			RequestID:    metrics.RequestID,
			InputTokens:  metrics.InputTokens,
			OutputTokens: metrics.OutputTokens,
			CostUSD:      metrics.CostUSD,
		})
		h.recordAudit(r, metrics, resp, http.StatusOK, time.Since(start))

		WriteJSON(w, http.StatusOK, resp)
		return
	}

	aggErr := &gateway.AllProvidersError{Attempts: attempts}
	writeGatewayError(w, aggErr.ToError(), h.logger)
}

func (h *GatewayHandler) serveStream(w http.ResponseWriter, r *http.Request, req gateway.CompletionRequest, decision gateway.RouteDecision, clientAuth, clientBeta string) {
	candidates := h.candidateProviders(decision)
	if len(candidates) == 0 {
		writeGatewayError(w, types.NewError(gateway.ErrProviderNotFound, "no provider available for route"), h.logger)
		return
	}

	var attempts []gateway.ProviderAttempt
	var stream gateway.ByteStream
	var chosen gateway.Provider
	for _, p := range candidates {
		s, err := p.CompleteStream(r.Context(), req, clientAuth, clientBeta)
		if err != nil {
			attempts = append(attempts, gateway.ProviderAttempt{Provider: p.Name(), Error: err.Error()})
			if h.metrics != nil {
				h.metrics.ObserveProviderError(p.Name())
			}
			continue
		}
		stream, chosen = s, p
		break
	}
	if stream == nil {
		aggErr := &gateway.AllProvidersError{Attempts: attempts}
		writeGatewayError(w, aggErr.ToError(), h.logger)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeGatewayError(w, types.NewError(types.ErrInternalError, "streaming not supported by response writer"), h.logger)
		return
	}

	h.observeAndForwardStream(w, flusher, stream, req, chosen, time.Now())
}

// observeAndForwardStream tees the upstream SSE body: raw bytes are
// written straight through to the client, while a parallel SSEParser over
// the same bytes drives cost recording and broadcast. A parse error never
// cancels the client-facing copy — only the observer side stops. Whatever
// usage was last observed before the stream ended (even a partial/zero
// reading, per the documented streaming-usage decision) is recorded rather
// than discarded.
func (h *GatewayHandler) observeAndForwardStream(w http.ResponseWriter, flusher http.Flusher, stream gateway.ByteStream, req gateway.CompletionRequest, provider gateway.Provider, start time.Time) string {
	requestID := uuid.NewString()
	pr, pw := io.Pipe()
	tee := io.TeeReader(stream, pw)

	usageCh := make(chan gateway.Usage, 1)
	go func() {
		// Once the parser stops (a [DONE] marker, a parse error, or EOF),
		// keep draining the pipe so the tee's writes never block or fail.
		defer io.Copy(io.Discard, pr)
		parser := gateway.NewSSEParser(pr)
		var usage gateway.Usage
		for {
			ev, err := parser.Next()
			if err != nil {
				break
			}
			if ev.Event == "content_block_delta" {
				h.broadcaster.Publish(gateway.TuiStreamEvent{Type: gateway.EventTextDelta, RequestID: requestID, Text: ev.Data})
			}
			var frame struct {
				Usage gateway.Usage `json:"usage"`
			}
			if json.Unmarshal([]byte(ev.Data), &frame) == nil && (frame.Usage.InputTokens != 0 || frame.Usage.OutputTokens != 0) {
				usage = frame.Usage
			}
		}
		usageCh <- usage
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := tee.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			flusher.Flush()
		}
		if err != nil {
			break
		}
	}
	pw.Close()

	usage := <-usageCh
	model := provider.ResolveModel(req.Model)
	cost := h.tracker.EstimateCost(model, usage)
	latencyMs := time.Since(start).Milliseconds()
	metrics := gateway.NewRequestMetrics(requestID, provider.Name(), model, usage, cost, latencyMs).
		WithAgentType(req.AgentType).
		WithProjectID(req.ProjectID)

	h.tracker.Record(metrics)
	if h.metrics != nil {
		h.metrics.Observe(metrics)
	}
	h.broadcaster.Publish(gateway.TuiStreamEvent{
		Type:         gateway.EventCompleted,
		RequestID:    requestID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
	})
	if h.audit != nil {
		if err := h.audit.Record(gateway.AuditEntry{
			RequestID:  requestID,
			Provider:   provider.Name(),
			Model:      model,
			AgentType:  req.AgentType,
			ProjectID:  req.ProjectID,
			StatusCode: http.StatusOK,
			CostUSD:    cost,
			LatencyMs:  latencyMs,
		}); err != nil {
			h.logger.Warn("audit record failed", zap.Error(err))
		}
	}
	return requestID
}

func (h *GatewayHandler) recordAudit(r *http.Request, metrics gateway.RequestMetrics, resp gateway.CompletionResponse, status int, latency time.Duration) {
	if h.audit == nil {
		return
	}
	respBody, _ := json.Marshal(resp)
	entry := gateway.AuditEntry{
		RequestID:  metrics.RequestID,
		Provider:   metrics.Provider,
		Model:      metrics.Model,
		AgentType:  metrics.AgentType,
		ProjectID:  metrics.ProjectID,
		ResponseBody: string(respBody),
		StatusCode: status,
		CostUSD:    metrics.CostUSD,
		LatencyMs:  latency.Milliseconds(),
	}
	if err := h.audit.Record(entry); err != nil {
		h.logger.Warn("audit record failed", zap.Error(err))
	}
}

// HandleModels serves GET /v1/models: one entry per registered provider,
// with id set to that provider's ResolveModel("") result and owned_by set
// to its registry name. Model aliases are not listed, and ids are not
// deduplicated across providers.
func (h *GatewayHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	names := h.registry.List()
	type modelEntry struct {
		ID       string `json:"id"`
		Provider string `json:"owned_by"`
	}
	out := make([]modelEntry, 0, len(names))
	for _, name := range names {
		p, err := h.registry.Get(name)
		if err != nil {
			continue
		}
		out = append(out, modelEntry{ID: p.ResolveModel(""), Provider: name})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
}

// HandleHealth serves GET /health: liveness plus a per-provider health
// fan-out snapshot.
func (h *GatewayHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerHealth := h.registry.HealthAll(ctx)
	status := "healthy"
	for _, healthy := range providerHealth {
		if !healthy {
			status = "degraded"
			break
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"providers": providerHealth,
		"timestamp": time.Now(),
	})
}

// HandleStats serves GET /api/stats: a point-in-time cost/usage snapshot.
func (h *GatewayHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.tracker.Snapshot())
}

// HandleStatsStream serves GET /api/stats/stream: an SSE feed of live
// TuiStreamEvents as they're published by completion requests.
func (h *GatewayHandler) HandleStatsStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeGatewayError(w, types.NewError(types.ErrInternalError, "streaming not supported by response writer"), h.logger)
		return
	}

	events, unsubscribe := h.broadcaster.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func readBoundedBody(w http.ResponseWriter, r *http.Request, maxBytes int) ([]byte, error) {
	if r.Body == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "request body is empty")
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to read request body").WithCause(err)
	}
	return body, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// writeGatewayError maps any error returned by the gateway package into
// the shared JSON error envelope, including the aggregate
// all-providers-exhausted and plain ValidationError shapes that aren't
// already *types.Error.
func writeGatewayError(w http.ResponseWriter, err error, logger *zap.Logger) {
	switch e := err.(type) {
	case *types.Error:
		WriteError(w, e, logger)
	case *gateway.ValidationError:
		WriteError(w, types.NewError(types.ErrInvalidRequest, e.Message).WithHTTPStatus(http.StatusBadRequest), logger)
	default:
		WriteError(w, types.NewError(types.ErrInternalError, err.Error()), logger)
	}
}
