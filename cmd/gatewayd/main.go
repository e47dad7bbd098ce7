// =============================================================================
// Gateway daemon entrypoint
// =============================================================================
// Usage:
//
//	gatewayd serve                       # start the daemon
//	gatewayd serve --config gateway.yaml # specify a config file
//	gatewayd version                     # show version info
//	gatewayd health                      # check daemon health
//
// =============================================================================

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentflow/internal/gateway"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to gateway config file")
	fs.Parse(args)

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger()
	defer logger.Sync()

	logger.Info("starting gateway daemon",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("listen_addr", cfg.ListenAddr),
	)

	srv, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize gateway server", zap.Error(err))
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start gateway server", zap.Error(err))
	}

	srv.WaitForShutdown()
	logger.Info("gateway daemon stopped")
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:3000", "Gateway address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("gatewayd %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`gatewayd - LLM orchestration gateway daemon

Usage:
  gatewayd <command> [options]

Commands:
  serve     Start the gateway daemon
  version   Show version information
  health    Check daemon health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to gateway configuration file (YAML)

Examples:
  gatewayd serve
  gatewayd serve --config /etc/gatewayd/gateway.yaml
  gatewayd health --addr http://127.0.0.1:3000`)
}

func initLogger() *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapcore.InfoLevel),
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
