package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🐍 子进程监督器（Python 兼容垫片）
// =============================================================================

const (
	healthPollInterval = 500 * time.Millisecond
	healthPollAttempts = 60 // 60 * 500ms = 30s total
	termGracePeriod    = 500 * time.Millisecond
	restartPause       = 500 * time.Millisecond
	healthCheckTimeout = 5 * time.Second
)

// SupervisorConfig configures the subprocess a Supervisor manages.
type SupervisorConfig struct {
	Command     string
	Args        []string
	HealthURL   string
}

// Supervisor starts, health-polls, restarts and tears down a child process
// — the Python compatibility shim some deployments still run alongside the
// gateway. Health failures never kill the process on their own; only
// Stop/Restart do that. A failed health check is reported, not acted on.
type Supervisor struct {
	cfg    SupervisorConfig
	logger *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	healthy bool
}

// NewSupervisor builds a supervisor for the given child process config.
func NewSupervisor(cfg SupervisorConfig, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "supervisor")),
	}
}

// Start launches the child process and blocks until it reports healthy or
// the poll budget (30s, 500ms intervals) is exhausted.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: failed to start subprocess: %w", err)
	}
	s.cmd = cmd
	s.mu.Unlock()

	// Reap the process non-blockingly in the background so it never
	// becomes a zombie, independent of whether callers ever call Stop.
	go func() {
		_ = cmd.Wait()
	}()

	for attempt := 0; attempt < healthPollAttempts; attempt++ {
		healthy, _ := s.probeHealth(ctx)
		if healthy {
			s.mu.Lock()
			s.healthy = true
			s.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
	return fmt.Errorf("supervisor: subprocess did not become healthy within %s", healthPollInterval*healthPollAttempts)
}

// probeHealth issues a 5s-timeout HTTP GET against the configured health
// URL. A non-2xx response or a transport error both count as unhealthy.
func (s *Supervisor) probeHealth(ctx context.Context) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, s.EndpointURL()+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Healthy reports the supervisor's last-known health state without
// issuing a new probe.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// Poll issues a fresh health probe and updates the cached state, without
// restarting the process on failure.
func (s *Supervisor) Poll(ctx context.Context) bool {
	healthy, err := s.probeHealth(ctx)
	if err != nil {
		s.logger.Warn("subprocess health probe failed", zap.Error(err))
	}
	s.mu.Lock()
	s.healthy = healthy
	s.mu.Unlock()
	return healthy
}

// Stop sends SIGTERM, waits up to 500ms for a clean exit, then sends
// SIGKILL if the process hasn't exited.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("SIGTERM delivery failed", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(termGracePeriod):
		if err := cmd.Process.Kill(); err != nil {
			s.logger.Warn("SIGKILL delivery failed", zap.Error(err))
		}
		<-done
	}

	s.mu.Lock()
	s.cmd = nil
	s.healthy = false
	s.mu.Unlock()
	return nil
}

// Restart stops the current subprocess (if running), pauses 500ms, then
// starts a fresh one.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	time.Sleep(restartPause)
	return s.Start(ctx)
}

// EndpointURL returns the subprocess's health/RPC base URL.
func (s *Supervisor) EndpointURL() string {
	return s.cfg.HealthURL
}
