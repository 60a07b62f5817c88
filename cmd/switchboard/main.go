// Package main provides the CLI entry point for the Switchboard agent
// gateway.
//
// Switchboard runs a real-time execution pipeline for tool-using agents
// behind a websocket gateway: each connected user gets isolated executions
// whose lifecycle events stream back to them in order.
//
// # Basic Usage
//
// Start the server:
//
//	switchboard serve --config switchboard.yaml
//
// # Environment Variables
//
//   - SWITCHBOARD_CONFIG: Path to configuration file (default: switchboard.yaml)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/gateway"
	"github.com/haasonsaas/switchboard/internal/infra"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/retry"
	"github.com/haasonsaas/switchboard/internal/tools"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Build information populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Real-time agent execution gateway",
		Long:  "Switchboard runs tool-using agent executions for websocket-connected users with per-user event isolation.",
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("SWITCHBOARD_CONFIG"); env != "" {
		return env
	}
	return "switchboard.yaml"
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "switchboard %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			resolved := resolveConfigPath(configPath)
			if _, err := os.Stat(resolved); err == nil {
				loaded, err := config.Load(resolved)
				if err != nil {
					return err
				}
				cfg = loaded
			} else if configPath != "" {
				return fmt.Errorf("config file %s: %w", configPath, err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	toolRegistry := agent.NewToolRegistry()
	if err := tools.RegisterBuiltins(toolRegistry); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	breakers := infra.NewBreakerRegistry(infra.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		MaxTimeout:       cfg.Breaker.MaxTimeout,
		OnStateChange: func(resourceKey, from, to string) {
			logger.Warn("circuit state change", "resource", resourceKey, "from", from, "to", to)
			metrics.ObserveBreakerState(resourceKey, to)
		},
	})

	dispatcher := agent.NewToolDispatcher(toolRegistry, breakers, agent.DispatcherConfig{
		DefaultTimeout:  cfg.Pipeline.ToolTimeout,
		MaxHandoffDepth: cfg.Pipeline.MaxHandoffDepth,
		Retry: retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Factor:       cfg.Retry.Factor,
			Jitter:       cfg.Retry.Jitter,
		},
	}, logger).WithMetrics(metrics).WithTracer(tracer)

	runner := agent.NewRunner(dispatcher, logger).WithMetrics(metrics).WithTracer(tracer)

	manager := agent.NewExecutionManager(agent.NewContextFactory(), runner, agent.ManagerConfig{
		MaxConcurrent:      cfg.Pipeline.MaxConcurrent,
		MaxPerUser:         cfg.Pipeline.MaxPerUser,
		DefaultMaxExecTime: cfg.Pipeline.MaxExecutionTime,
		IdempotencyWindow:  cfg.Pipeline.IdempotencyWindow,
	}, logger).WithMetrics(metrics)
	registerPlanners(manager)

	connRegistry := gateway.NewConnectionRegistry(logger).WithMetrics(metrics)
	bridge := gateway.NewEventBridge(connRegistry, logger).WithMetrics(metrics)
	starter := gateway.ManagerStarter{Manager: manager}

	router := gateway.NewRouter(logger).WithMetrics(metrics)
	router.Register(gateway.PingHandler{})
	router.Register(gateway.HeartbeatHandler{})
	router.Register(gateway.TypingHandler{Logger: logger})
	router.Register(gateway.AgentRequestHandler{Manager: starter, Sink: bridge, Logger: logger})
	router.Register(gateway.UserMessageHandler{Manager: starter, Sink: bridge, DefaultAgent: cfg.Pipeline.DefaultAgent, Logger: logger})
	batchHandler := gateway.BatchHandler{Router: router, Logger: logger}
	router.Register(batchHandler)

	server := gateway.NewServer(gateway.ServerConfig{
		Addr:         cfg.Server.Addr,
		ReadLimit:    cfg.Server.ReadLimit,
		SendBuffer:   cfg.Server.SendBuffer,
		WriteTimeout: cfg.Server.WriteTimeout,
		PongTimeout:  cfg.Server.PongTimeout,
		PingInterval: cfg.Server.PingInterval,
		CheckOrigin:  cfg.Server.CheckOrigin,
	}, connRegistry, router, registry, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	logger.Info("switchboard started",
		"version", version,
		"addr", cfg.Server.Addr,
		"agents", manager.Agents(),
		"tools", toolRegistry.Names(),
	)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executions did not drain", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}
	logger.Info("switchboard stopped")
	return nil
}

// registerPlanners binds the built-in agents to their planners.
func registerPlanners(manager *agent.ExecutionManager) {
	manager.RegisterPlanner("echo", agent.EchoPlanner)
	manager.RegisterPlanner("analyst", agent.SingleToolPlanner(
		"data_analyzer",
		"analyzing the requested dataset",
		func(exec *models.AgentExecution) (json.RawMessage, error) {
			return json.Marshal(map[string]string{"dataset": exec.UserMessage})
		},
	))
	manager.RegisterPlanner("researcher", agent.SingleToolPlanner(
		"fetch",
		"fetching and summarizing the requested document",
		func(exec *models.AgentExecution) (json.RawMessage, error) {
			return json.Marshal(map[string]string{"url": exec.UserMessage})
		},
	))
}
