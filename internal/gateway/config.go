package gateway

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Gateway configuration
// =============================================================================
// Loaded the way config/loader.go loads the rest of the framework's config:
// defaults → YAML file → GATEWAY_* environment variable overrides.
// =============================================================================

// ProviderType is the discriminant for a provider's wire protocol family.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderAzure     ProviderType = "azure"
	ProviderDeepSeek  ProviderType = "deepseek"
	ProviderOllama    ProviderType = "ollama"
	ProviderOpenAI    ProviderType = "openai"
	ProviderVisiQuate ProviderType = "visiquate"
)

// ProviderConfig configures one upstream LLM provider.
type ProviderConfig struct {
	Enabled      bool              `yaml:"enabled"`
	ProviderType ProviderType      `yaml:"provider_type"`
	BaseURL      string            `yaml:"base_url"`
	APIKeyRef    string            `yaml:"api_key_ref"`
	DefaultModel string            `yaml:"default_model"`
	ModelAliases map[string]string `yaml:"model_aliases"`
	TimeoutSecs  uint64            `yaml:"timeout_secs"`
	MaxRetries   uint32            `yaml:"max_retries"`
	Headers      map[string]string `yaml:"headers"`

	// Azure-specific.
	Deployment *string `yaml:"deployment,omitempty"`
	APIVersion *string `yaml:"api_version,omitempty"`
}

// Timeout returns the configured request timeout, defaulting to 300s.
func (c ProviderConfig) Timeout() time.Duration {
	if c.TimeoutSecs == 0 {
		return 300 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RoutingConfig configures the routing engine's rule tables.
type RoutingConfig struct {
	DefaultProvider string            `yaml:"default_provider"`
	AgentRules      map[string]string `yaml:"agent_rules"`
	ModelTierRules  map[string]string `yaml:"model_tier_rules"`
	FallbackChain   []string          `yaml:"fallback_chain"`
}

// ModelPricing is USD-per-million-token pricing for one model, with
// optional cache-write/cache-read overrides.
type ModelPricing struct {
	InputPerMillion      float64  `yaml:"input_per_million"`
	OutputPerMillion     float64  `yaml:"output_per_million"`
	CacheWritePerMillion *float64 `yaml:"cache_write_per_million,omitempty"`
	CacheReadPerMillion  *float64 `yaml:"cache_read_per_million,omitempty"`
}

// CostTrackingConfig gates cost tracking and holds per-model overrides.
type CostTrackingConfig struct {
	Enabled          bool                    `yaml:"enabled"`
	PricingOverrides map[string]ModelPricing `yaml:"pricing_overrides"`
}

// AuditConfig configures request/response audit logging.
type AuditConfig struct {
	Enabled          bool   `yaml:"enabled"`
	LogRequestBodies bool   `yaml:"log_request_bodies"`
	LogResponseBodies bool  `yaml:"log_response_bodies"`
	RetentionDays    uint32 `yaml:"retention_days"`
	DBPath           string `yaml:"db_path"`
}

// GetDBPath returns the configured audit DB path, defaulting to
// ~/.cco/audit.db to match the original layout.
func (c AuditConfig) GetDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + "/.cco/audit.db"
}

// SecurityConfig configures the loopback/connection-cap/rate-limit middleware.
type SecurityConfig struct {
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`
	MaxBodyBytes        int `yaml:"max_body_bytes"`
	RequestsPerMinute   int `yaml:"requests_per_minute"`
	RequestsPerHour     int `yaml:"requests_per_hour"`

	// RedisAddr, when set, switches the rate limiter from the in-process
	// fixed-window map to a Redis-backed one so multiple gateway replicas
	// behind a load balancer share one request budget per key.
	RedisAddr string `yaml:"redis_addr,omitempty"`

	// JWTSecret, when set, turns on bearer-token auth as the innermost
	// middleware, after the loopback, connection-cap and rate-limit checks,
	// for deployments that front the gateway with a shared JWT issuer
	// instead of relying on loopback-only binding alone.
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// CoarseRateLimitRPS/Burst configure the per-IP token-bucket limiter
	// that runs ahead of the fine-grained per-key budget. Zero disables
	// neither value individually; both default when unset.
	CoarseRateLimitRPS   float64 `yaml:"coarse_rate_limit_rps,omitempty"`
	CoarseRateLimitBurst int     `yaml:"coarse_rate_limit_burst,omitempty"`
}

// TracingConfig gates the optional OTLP trace exporter. Mirrors
// api/middleware.TracingConfig field-for-field so YAML unmarshals straight
// into it without a translation layer.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// GatewayConfig is the top-level configuration for the daemon.
type GatewayConfig struct {
	ListenAddr   string                    `yaml:"listen_addr"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Routing      RoutingConfig             `yaml:"routing"`
	CostTracking CostTrackingConfig        `yaml:"cost_tracking"`
	Audit        AuditConfig               `yaml:"audit"`
	Security     SecurityConfig            `yaml:"security"`
	Tracing      TracingConfig             `yaml:"tracing"`
}

// DefaultGatewayConfig returns the zero-config default: listen on
// 127.0.0.1:3000, default provider "anthropic", cost tracking and audit
// logging on with 30-day retention, and no providers configured. Provider
// entries get no defaults here; their 300s timeout comes from
// ProviderConfig.Timeout, and Enabled/MaxRetries stay at their zero values
// unless the YAML sets them.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		ListenAddr: "127.0.0.1:3000",
		Providers:  map[string]ProviderConfig{},
		Routing: RoutingConfig{
			DefaultProvider: "anthropic",
			AgentRules:      map[string]string{},
			ModelTierRules:  map[string]string{},
			FallbackChain:   []string{"anthropic"},
		},
		CostTracking: CostTrackingConfig{
			Enabled:          true,
			PricingOverrides: map[string]ModelPricing{},
		},
		Audit: AuditConfig{
			Enabled:           true,
			LogRequestBodies:  true,
			LogResponseBodies: true,
			RetentionDays:     30,
		},
		Security: SecurityConfig{
			MaxConnectionsPerIP:  50,
			MaxBodyBytes:         10 << 20,
			RequestsPerMinute:    100,
			RequestsPerHour:      1000,
			CoarseRateLimitRPS:   20,
			CoarseRateLimitBurst: 40,
		},
	}
}

// LoadConfig loads the gateway config from a YAML file (defaults applied
// first, then the file's contents, then GATEWAY_* environment overrides).
// An empty path loads defaults plus environment overrides only.
func LoadConfig(path string) (*GatewayConfig, error) {
	cfg := DefaultGatewayConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read gateway config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse gateway config: %w", err)
		}
	}

	if err := applyEnvOverrides(reflect.ValueOf(cfg).Elem(), "GATEWAY"); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides walks exported struct fields and overrides scalar
// values from GATEWAY_<PATH> environment variables, mirroring
// config/loader.go's reflection-based override pass.
func applyEnvOverrides(v reflect.Value, prefix string) error {
	if v.Kind() != reflect.Struct {
		return nil
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if !field.CanSet() {
			continue
		}
		tag := strings.Split(sf.Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		envKey := prefix + "_" + strings.ToUpper(tag)

		switch field.Kind() {
		case reflect.Struct:
			if err := applyEnvOverrides(field, envKey); err != nil {
				return err
			}
			continue
		case reflect.Map:
			// Maps are only ever populated from the YAML file; env overrides
			// a whole map is not supported (ambiguous key shape).
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setScalar(field, envValue); err != nil {
			return fmt.Errorf("%s: %w", envKey, err)
		}
	}
	return nil
}

func setScalar(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}
