package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/api/handlers"
	apimiddleware "github.com/BaSui01/agentflow/api/middleware"
	"github.com/BaSui01/agentflow/internal/gateway"
	"github.com/BaSui01/agentflow/internal/gateway/providers"
	"github.com/BaSui01/agentflow/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Server owns the gateway daemon's full lifecycle: building the provider
// registry and its collaborators (cost tracker, broadcaster, audit log,
// router, metrics), wiring them into the HTTP handler layer, and managing
// the underlying listener the way cmd/agentflow/server.go manages its own.
type Server struct {
	cfg    *gateway.GatewayConfig
	logger *zap.Logger

	tracker        *gateway.CostTracker
	audit          *gateway.AuditLog
	broadcaster    *gateway.Broadcaster
	registry       *gateway.ProviderRegistry
	tracerProvider *sdktrace.TracerProvider

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer builds a Server from config but performs no I/O yet; actual
// provider construction, audit DB migration, and listener binding happen
// in Start.
func NewServer(cfg *gateway.GatewayConfig, logger *zap.Logger) (*Server, error) {
	return &Server{cfg: cfg, logger: logger}, nil
}

// buildProvider dispatches a config entry to the concrete Provider
// implementation for its ProviderType. Anthropic gets its own adapter;
// every OpenAI-shaped wire protocol (openai, deepseek, azure, ollama)
// shares OpenAICompatProvider.
func buildProvider(name string, pc gateway.ProviderConfig, tracker *gateway.CostTracker, logger *zap.Logger) (gateway.Provider, error) {
	switch pc.ProviderType {
	case gateway.ProviderAnthropic:
		return providers.NewAnthropicProvider(name, pc, tracker, logger), nil
	case gateway.ProviderOpenAI, gateway.ProviderDeepSeek, gateway.ProviderAzure, gateway.ProviderOllama:
		return providers.NewOpenAICompatProvider(name, pc, tracker, logger), nil
	default:
		return nil, fmt.Errorf("unsupported provider_type %q for provider %q", pc.ProviderType, name)
	}
}

// Start initializes every collaborator in dependency order and binds the
// HTTP and metrics listeners. It returns once both listeners are up;
// serving happens on background goroutines owned by server.Manager.
func (s *Server) Start() error {
	s.tracker = gateway.NewCostTracker(s.cfg.CostTracking)
	s.broadcaster = gateway.NewBroadcaster(0)

	tp, err := apimiddleware.NewTracerProvider(context.Background(), apimiddleware.TracingConfig{
		Enabled:      s.cfg.Tracing.Enabled,
		OTLPEndpoint: s.cfg.Tracing.OTLPEndpoint,
		ServiceName:  s.cfg.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to build tracer provider: %w", err)
	}
	s.tracerProvider = tp

	audit, err := gateway.OpenAuditLog(s.cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	s.audit = audit

	registry, err := gateway.BuildRegistry(s.cfg, func(name string, pc gateway.ProviderConfig) (gateway.Provider, error) {
		return buildProvider(name, pc, s.tracker, s.logger)
	})
	if err != nil {
		return fmt.Errorf("failed to build provider registry: %w", err)
	}
	s.registry = registry
	s.logger.Info("provider registry built", zap.Strings("providers", registry.List()))

	router := gateway.NewRouter(s.cfg.Routing)

	metricsReg := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(metricsReg)

	maxBody := s.cfg.Security.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}

	gatewayHandler := handlers.NewGatewayHandler(router, registry, s.tracker, s.broadcaster, s.audit, metrics, maxBody, s.logger)

	if err := s.startHTTPServer(gatewayHandler); err != nil {
		return err
	}
	return s.startMetricsServer(metricsReg)
}

// startHTTPServer builds the public mux, wraps it in the gateway's
// loopback/connection-cap/rate-limit/recovery middleware chain, and binds
// the configured listen address.
func (s *Server) startHTTPServer(h *handlers.GatewayHandler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", h.HandleMessages)
	mux.HandleFunc("/v1/chat/completions", h.HandleMessages)
	mux.HandleFunc("/v1/models", h.HandleModels)
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/api/stats", h.HandleStats)
	mux.HandleFunc("/api/stats/stream", h.HandleStatsStream)
	mux.HandleFunc("/api/stats/ws", h.HandleStatsWebSocket)

	connTracker := gateway.NewConnectionTracker(maxOrDefault(s.cfg.Security.MaxConnectionsPerIP, 50))
	perMinute := maxOrDefault(s.cfg.Security.RequestsPerMinute, 100)
	perHour := maxOrDefault(s.cfg.Security.RequestsPerHour, 1000)

	var rateLimiter gateway.RateLimiterBackend
	if s.cfg.Security.RedisAddr != "" {
		rateLimiter = gateway.NewRedisRateLimiter(s.cfg.Security.RedisAddr, perMinute, perHour)
		s.logger.Info("using Redis-backed distributed rate limiter", zap.String("redis_addr", s.cfg.Security.RedisAddr))
	} else {
		rateLimiter = gateway.NewMemoryRateLimiterBackend(gateway.NewRateLimiter(perMinute, perHour))
	}

	coarseLimiter := apimiddleware.NewIPRateLimiter(
		maxFloatOrDefault(s.cfg.Security.CoarseRateLimitRPS, 20),
		maxOrDefault(s.cfg.Security.CoarseRateLimitBurst, 40),
	)

	chain := []Middleware{
		Recovery(s.logger),
		LoopbackOnly(s.logger),
		Middleware(apimiddleware.OTelTracing(s.tracerProvider, "agentflow-gateway")),
		Middleware(apimiddleware.CoarseRateLimit(coarseLimiter)),
		ConnectionLimit(connTracker),
		RateLimit(rateLimiter),
	}
	if s.cfg.Security.JWTSecret != "" {
		chain = append(chain, Middleware(apimiddleware.JWTAuth(s.cfg.Security.JWTSecret)))
		s.logger.Info("JWT bearer-token auth enabled")
	}

	chained := Chain(mux, chain...)

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = s.cfg.ListenAddr

	manager := server.NewManager(chained, serverConfig, s.logger)
	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start gateway HTTP server: %w", err)
	}
	s.httpManager = manager
	s.logger.Info("gateway HTTP server listening", zap.String("addr", s.cfg.ListenAddr))
	return nil
}

// startMetricsServer binds a dedicated listener for /metrics so the
// scrape endpoint is reachable without threading it through the
// loopback-only/rate-limited public mux.
func (s *Server) startMetricsServer(reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = "127.0.0.1:9090"

	manager := server.NewManager(mux, serverConfig, s.logger)
	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	s.metricsManager = manager
	s.logger.Info("gateway metrics server listening", zap.String("addr", serverConfig.Addr))
	return nil
}

// WaitForShutdown blocks until the HTTP manager observes SIGINT/SIGTERM or
// a listener error, then runs the full teardown sequence.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.Shutdown()
}

// Shutdown tears every collaborator down in reverse dependency order:
// listeners first (so no new work arrives), then the audit log.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Warn("gateway HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			s.logger.Warn("audit log close error", zap.Error(err))
		}
	}
	if s.tracerProvider != nil {
		if err := s.tracerProvider.Shutdown(ctx); err != nil {
			s.logger.Warn("tracer provider shutdown error", zap.Error(err))
		}
	}
}

func maxOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func maxFloatOrDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
