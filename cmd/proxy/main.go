// Command proxy runs the Dynamic Reverse Proxy (C8) process: a Discovery
// Cache (C6) mirroring a Registry API plus a Load Balancer (C7) in front of
// the proxy handler itself.
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

	"github.com/vitaliisemenov/svcmesh/internal/balancer"
	"github.com/vitaliisemenov/svcmesh/internal/config"
	"github.com/vitaliisemenov/svcmesh/internal/discovery"
	"github.com/vitaliisemenov/svcmesh/internal/proxy"
	"github.com/vitaliisemenov/svcmesh/internal/trace"
	"github.com/vitaliisemenov/svcmesh/pkg/logger"
)

const (
	serviceName    = "svcmesh-proxy"
	serviceVersion = "0.1.0"

	// drainDeadline bounds how long the proxy waits for in-flight
	// requests to complete before force-closing connections.
	drainDeadline = 30 * time.Second
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
		Short:   "Service mesh dynamic reverse proxy: discovery cache, load balancer, circuit breakers",
		Version: serviceVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return root
}

func runProxy(ctx context.Context) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	slog.SetDefault(log)
	log.Info("starting proxy", "version", serviceVersion, "registry_url", cfg.Discovery.RegistryURL)

	registryClient := discovery.NewClient(cfg.Discovery.RegistryURL, nil)
	discoveryCfg := discovery.Config{
		RegistryURL:   cfg.Discovery.RegistryURL,
		SyncInterval:  cfg.Discovery.SyncInterval,
		BatchInterval: cfg.Discovery.BatchInterval,
		BatchSize:     cfg.Discovery.BatchSize,
		EnablePush:    cfg.Discovery.EnablePush,
	}
	cache := discovery.New(discoveryCfg, registryClient, log)

	tracer := trace.NewLoggingTracer(log)

	proxyCfg := proxy.Config{PathPrefixes: cfg.Proxy.PathPrefixes}
	if len(proxyCfg.PathPrefixes) == 0 {
		proxyCfg = proxy.DefaultConfig()
	}

	// The balancer's least-in-flight policy needs the proxy's own
	// in-flight counter, and the proxy needs the balancer as its Picker,
	// so a throwaway Handler is built first purely to harvest InFlight()
	// before constructing the one actually served.
	scratch := proxy.New(proxyCfg, cache, nil, tracer, log)
	lb := balancer.New(balancer.Policy(cfg.Balancer.Policy), scratch.InFlight())
	handler := proxy.New(proxyCfg, cache, lb, tracer, log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	cache.Start(runCtx)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
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
		log.Info("shutdown signal received, draining in-flight requests")
	}

	shutdownTimeout := cfg.Server.GracefulShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = drainDeadline
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server forced to shutdown", "error", err)
	}

	cache.Stop()
	cancel()

	log.Info("proxy exited")
	return nil
}
