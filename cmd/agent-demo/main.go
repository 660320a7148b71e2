// Command agent-demo is a minimal host application demonstrating the Agent
// (C5): it registers itself with a Registry API, serves a business route
// and the agent's default health check, observes request latency to drive
// the adaptive heartbeat cadence, and deregisters on shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/svcmesh/internal/agent"
	"github.com/vitaliisemenov/svcmesh/internal/config"
	"github.com/vitaliisemenov/svcmesh/pkg/logger"
)

const (
	serviceName    = "svcmesh-agent-demo"
	serviceVersion = "0.1.0"
)

var configPath string

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     serviceName,
		Short:   "Demo host application registering itself via the service mesh Agent",
		Version: serviceVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return root
}

func runDemo(ctx context.Context) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	slog.SetDefault(log)
	log.Info("starting agent demo", "version", serviceVersion, "registry_url", cfg.Agent.RegistryURL)

	agentCfg := agent.Config{
		RegistryURL:           cfg.Agent.RegistryURL,
		ServiceName:           cfg.Agent.ServiceName,
		Host:                  cfg.Agent.Host,
		Port:                  cfg.Agent.Port,
		Version:               cfg.Agent.Version,
		Metadata:              cfg.Agent.Metadata,
		HealthCheckURL:        cfg.Agent.HealthCheckURL,
		Weight:                cfg.Agent.Weight,
		HeartbeatInterval:     cfg.Agent.HeartbeatInterval,
		AutoRegister:          cfg.Agent.AutoRegister,
		RegisterRetryCount:    cfg.Agent.RegisterRetryCount,
		RegisterRetryInterval: cfg.Agent.RegisterRetryInterval,
		FailurePolicy:         agent.FailurePolicy(cfg.Agent.FailurePolicy),
	}
	if agentCfg.Port == 0 {
		agentCfg.Port = cfg.Server.Port
	}
	if agentCfg.ServiceName == "" {
		agentCfg.ServiceName = serviceName
	}

	client := agent.NewHTTPClient(agentCfg.RegistryURL, &http.Client{Timeout: 10 * time.Second})
	a := agent.New(agentCfg, client, nil, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/", demoHandler(a))
	mux.HandleFunc("/healthz", a.HealthCheckHandler(nil))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, agentCfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.Start(runCtx); err != nil {
		log.Error("agent start failed", "error", err)
		if agentCfg.FailurePolicy == agent.FailFast {
			return fmt.Errorf("agent start: %w", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-quit:
		log.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server forced to shutdown", "error", err)
	}

	a.Stop(shutdownCtx)
	cancel()

	log.Info("agent demo exited")
	return nil
}

// demoHandler serves a trivial business response and feeds the request's
// outcome and latency back into the agent's adaptive heartbeat window.
func demoHandler(a *agent.Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"instanceId":%q,"message":"ok"}`, a.InstanceID())
		a.Observe(time.Since(start), true)
	}
}
