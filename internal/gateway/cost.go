package gateway

import (
	"sync"
	"sync/atomic"
)

// defaultPricing is the heuristic USD-per-million-token fallback table,
// keyed by the same tier names ModelTier produces, used when no explicit
// pricing_override matches a model.
var defaultPricing = map[string]ModelPricing{
	"opus":    {InputPerMillion: 15, OutputPerMillion: 75},
	"sonnet":  {InputPerMillion: 3, OutputPerMillion: 15},
	"haiku":   {InputPerMillion: 0.25, OutputPerMillion: 1.25},
	"gpt4":    {InputPerMillion: 10, OutputPerMillion: 30},
	"deepseek": {InputPerMillion: 0.14, OutputPerMillion: 0.28},
	"unknown": {InputPerMillion: 1.0, OutputPerMillion: 2.0},
}

const ringBufferCapacity = 1000

// CostTracker accumulates running totals and per-request history for every
// completion the gateway serves. Global counters are atomic for lock-free
// hot-path increments; per-dimension breakdowns and the recent-request ring
// buffer are guarded by a single RWMutex since they're read far less often
// than the atomics are written.
type CostTracker struct {
	cfg CostTrackingConfig

	totalRequests     uint64
	totalCostMicros   int64 // USD * 1e6, to keep the hot path integer-atomic
	totalInputTokens  uint64
	totalOutputTokens uint64

	mu        sync.RWMutex
	byAgent   map[string]float64
	byProvider map[string]float64
	byModel   map[string]float64
	byProject map[string]float64
	recent    []RequestMetrics // ring buffer, oldest at index 0
}

// NewCostTracker builds an empty tracker from the cost_tracking config
// section (pricing overrides only; totals always start at zero).
func NewCostTracker(cfg CostTrackingConfig) *CostTracker {
	return &CostTracker{
		cfg:        cfg,
		byAgent:    make(map[string]float64),
		byProvider: make(map[string]float64),
		byModel:    make(map[string]float64),
		byProject:  make(map[string]float64),
		recent:     make([]RequestMetrics, 0, ringBufferCapacity),
	}
}

// PricingFor resolves the per-million-token pricing for a model: an exact
// pricing_override match first, then the heuristic tier table, falling back
// to "unknown" pricing if the tier itself isn't in the table.
func (t *CostTracker) PricingFor(model string) ModelPricing {
	if p, ok := t.cfg.PricingOverrides[model]; ok {
		return p
	}
	tier := ModelTier(model)
	if p, ok := defaultPricing[tier]; ok {
		return p
	}
	return defaultPricing["unknown"]
}

// EstimateCost computes the USD cost of a usage record for a model, using
// cache-read at 10% of the input price and cache-write at 125% of the input
// price when the pricing entry doesn't specify its own cache rates.
func (t *CostTracker) EstimateCost(model string, usage Usage) float64 {
	p := t.PricingFor(model)

	cacheWriteRate := p.InputPerMillion * 1.25
	if p.CacheWritePerMillion != nil {
		cacheWriteRate = *p.CacheWritePerMillion
	}
	cacheReadRate := p.InputPerMillion * 0.10
	if p.CacheReadPerMillion != nil {
		cacheReadRate = *p.CacheReadPerMillion
	}

	million := 1_000_000.0
	cost := float64(usage.InputTokens)*p.InputPerMillion/million +
		float64(usage.OutputTokens)*p.OutputPerMillion/million +
		float64(usage.CacheCreationInputTokens)*cacheWriteRate/million +
		float64(usage.CacheReadInputTokens)*cacheReadRate/million
	return cost
}

// Record folds one completed request's metrics into the running totals,
// the per-dimension breakdowns, and the recent-request ring buffer.
func (t *CostTracker) Record(m RequestMetrics) {
	if !t.cfg.Enabled {
		return
	}

	atomic.AddUint64(&t.totalRequests, 1)
	atomic.AddInt64(&t.totalCostMicros, int64(m.CostUSD*1_000_000))
	atomic.AddUint64(&t.totalInputTokens, uint64(m.InputTokens))
	atomic.AddUint64(&t.totalOutputTokens, uint64(m.OutputTokens))

	t.mu.Lock()
	defer t.mu.Unlock()
	if m.AgentType != "" {
		t.byAgent[m.AgentType] += m.CostUSD
	}
	if m.Provider != "" {
		t.byProvider[m.Provider] += m.CostUSD
	}
	if m.Model != "" {
		t.byModel[m.Model] += m.CostUSD
	}
	if m.ProjectID != "" {
		t.byProject[m.ProjectID] += m.CostUSD
	}

	if len(t.recent) >= ringBufferCapacity {
		t.recent = t.recent[1:]
	}
	t.recent = append(t.recent, m)
}

// CostSummary is a point-in-time snapshot for the /api/stats endpoint.
type CostSummary struct {
	TotalRequests     uint64             `json:"total_requests"`
	TotalCostUSD      float64            `json:"total_cost_usd"`
	TotalInputTokens  uint64             `json:"total_input_tokens"`
	TotalOutputTokens uint64             `json:"total_output_tokens"`
	ByAgent           map[string]float64 `json:"by_agent"`
	ByProvider        map[string]float64 `json:"by_provider"`
	ByModel           map[string]float64 `json:"by_model"`
	ByProject         map[string]float64 `json:"by_project"`
	Recent            []RequestMetrics   `json:"recent"`
}

// Snapshot returns a copy of the current totals, breakdowns and recent
// request history, safe to serialize without holding the tracker's lock.
func (t *CostTracker) Snapshot() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cloneMap := func(m map[string]float64) map[string]float64 {
		out := make(map[string]float64, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}

	recent := make([]RequestMetrics, len(t.recent))
	copy(recent, t.recent)

	return CostSummary{
		TotalRequests:     atomic.LoadUint64(&t.totalRequests),
		TotalCostUSD:      float64(atomic.LoadInt64(&t.totalCostMicros)) / 1_000_000,
		TotalInputTokens:  atomic.LoadUint64(&t.totalInputTokens),
		TotalOutputTokens: atomic.LoadUint64(&t.totalOutputTokens),
		ByAgent:           cloneMap(t.byAgent),
		ByProvider:        cloneMap(t.byProvider),
		ByModel:           cloneMap(t.byModel),
		ByProject:         cloneMap(t.byProject),
		Recent:            recent,
	}
}
