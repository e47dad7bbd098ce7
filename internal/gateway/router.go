package gateway

import "strings"

// Router is a pure, stateless routing engine: request in, decision out, no
// I/O, no mutation. It holds only the immutable config tables loaded once
// at startup.
type Router struct {
	cfg RoutingConfig
}

// NewRouter builds a Router from the routing section of the gateway config.
func NewRouter(cfg RoutingConfig) *Router {
	return &Router{cfg: cfg}
}

// agentPatterns is the fixed table of inferred-agent text patterns,
// checked case-insensitively against the system prompt or first user
// message when no agent_type/model_tier rule matched.
var agentPatterns = []struct {
	pattern   string
	agentType string
}{
	{"chief architect", "chief-architect"},
	{"code review", "code-reviewer"},
	{"test engineer", "test-engineer"},
	{"security audit", "security-auditor"},
	{"python specialist", "python-specialist"},
	{"rust specialist", "rust-specialist"},
	{"go specialist", "go-specialist"},
	{"technical research", "technical-researcher"},
}

// ModelTier buckets a model string into a coarse tier used by
// model_tier_rules.
func ModelTier(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return "opus"
	case strings.Contains(m, "sonnet"):
		return "sonnet"
	case strings.Contains(m, "haiku"):
		return "haiku"
	case strings.Contains(m, "gpt-4"):
		return "gpt4"
	case strings.Contains(m, "gpt-3.5"):
		return "gpt35"
	case strings.Contains(m, "deepseek"):
		return "deepseek"
	default:
		return "unknown"
	}
}

// inferAgentType scans the system prompt and first user message for one of
// the fixed agent patterns, case-insensitively.
func inferAgentType(req CompletionRequest) (string, bool) {
	haystack := strings.ToLower(req.System)
	if haystack == "" {
		for _, m := range req.Messages {
			if m.Role == RoleUser {
				haystack = strings.ToLower(m.Text)
				break
			}
		}
	}
	for _, p := range agentPatterns {
		if strings.Contains(haystack, p.pattern) {
			return p.agentType, true
		}
	}
	return "", false
}

// Route decides the primary provider and ordered fallback chain for a
// request. Precedence: agent-type rule > model-tier rule > inferred-agent
// rule > default provider.
func (r *Router) Route(req CompletionRequest) RouteDecision {
	var provider, reason string

	if req.AgentType != "" {
		if p, ok := r.cfg.AgentRules[strings.ToLower(req.AgentType)]; ok {
			provider, reason = p, "agent_rule:"+strings.ToLower(req.AgentType)
		}
	}

	if provider == "" {
		tier := ModelTier(req.Model)
		if p, ok := r.cfg.ModelTierRules[tier]; ok {
			provider, reason = p, "model_tier:"+tier
		}
	}

	if provider == "" {
		if agent, ok := inferAgentType(req); ok {
			if p, ok := r.cfg.AgentRules[agent]; ok {
				provider, reason = p, "inferred_agent:"+agent
			}
		}
	}

	if provider == "" {
		provider, reason = r.cfg.DefaultProvider, "default"
	}

	return RouteDecision{
		Provider:  provider,
		Reason:    reason,
		Fallbacks: fallbacksExcluding(r.cfg.FallbackChain, provider),
	}
}

// fallbacksExcluding returns chain with every occurrence of primary
// removed, preserving order.
func fallbacksExcluding(chain []string, primary string) []string {
	out := make([]string, 0, len(chain))
	for _, name := range chain {
		if name != primary {
			out = append(out, name)
		}
	}
	return out
}
