// Command registry runs the Registry API (C4) process: the Instance Store
// (C1), Health Reaper (C2) and Change Feed (C3) behind an HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/svcmesh/internal/api"
	"github.com/vitaliisemenov/svcmesh/internal/api/middleware"
	"github.com/vitaliisemenov/svcmesh/internal/balancer"
	"github.com/vitaliisemenov/svcmesh/internal/config"
	"github.com/vitaliisemenov/svcmesh/internal/feed"
	"github.com/vitaliisemenov/svcmesh/internal/reaper"
	"github.com/vitaliisemenov/svcmesh/internal/store"
	"github.com/vitaliisemenov/svcmesh/pkg/logger"
)

const (
	serviceName    = "svcmesh-registry"
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
		Short:   "Service mesh Registry API: instance store, health reaper, change feed",
		Version: serviceVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return root
}

func runServer(ctx context.Context) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	slog.SetDefault(log)
	log.Info("starting registry", "version", serviceVersion, "environment", cfg.App.Environment)

	st, closeStore, err := buildStore(cfg, log)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer closeStore()

	prober := reaper.NewHTTPProber(cfg.Reaper.ProbeTimeout)
	reaperCfg := reaper.Config{
		SweepInterval: cfg.Reaper.SweepInterval,
		TMiss:         cfg.Reaper.TMiss,
		TEvict:        cfg.Reaper.TEvict,
		ProbeInterval: cfg.Reaper.ProbeInterval,
		ProbeTimeout:  cfg.Reaper.ProbeTimeout,
	}
	r := reaper.New(st, prober, reaperCfg, log)

	f := feed.New(st, nil, log)

	lb := balancer.New(balancer.Policy(cfg.Balancer.Policy), nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.Start(runCtx)
	if err := f.Start(runCtx); err != nil {
		return fmt.Errorf("start change feed: %w", err)
	}

	routerCfg := api.DefaultRouterConfig(log)
	routerCfg.Store = st
	routerCfg.Feed = f
	routerCfg.Balancer = lb
	routerCfg.EnableAuth = cfg.Auth.Enabled
	routerCfg.AuthAPIKeys = apiKeyUsers(cfg.Auth.APIKeys)
	handler := api.NewRouter(routerCfg)

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
		log.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server forced to shutdown", "error", err)
	}

	if err := f.Stop(shutdownCtx); err != nil {
		log.Error("change feed shutdown error", "error", err)
	}
	if err := r.Stop(shutdownCtx); err != nil {
		log.Error("health reaper shutdown error", "error", err)
	}
	cancel()

	log.Info("registry exited")
	return nil
}

// apiKeyUsers turns the configured key->role map into the User set
// AuthMiddleware authenticates against, keyed by the API key itself so
// RBACMiddleware can read the resolved role off the request context.
func apiKeyUsers(keys map[string]string) map[string]*middleware.User {
	users := make(map[string]*middleware.User, len(keys))
	for key, role := range keys {
		users[key] = &middleware.User{APIKey: key, Role: role}
	}
	return users
}

// buildStore constructs the Instance Store backend selected by
// cfg.Store.Backend, returning a no-op close func for the in-memory
// backend so callers can always defer the result.
func buildStore(cfg *config.Config, log *slog.Logger) (store.Store, func(), error) {
	if !cfg.UsesRedisStore() {
		return store.NewMemoryStore(log), func() {}, nil
	}

	redisCfg := store.RedisConfig{
		Addr:            cfg.Store.Redis.Addr,
		Password:        cfg.Store.Redis.Password,
		DB:              cfg.Store.Redis.DB,
		PoolSize:        cfg.Store.Redis.PoolSize,
		MinIdleConns:    cfg.Store.Redis.MinIdleConns,
		DialTimeout:     cfg.Store.Redis.DialTimeout,
		ReadTimeout:     cfg.Store.Redis.ReadTimeout,
		WriteTimeout:    cfg.Store.Redis.WriteTimeout,
		MaxRetries:      cfg.Store.Redis.MaxRetries,
		MinRetryBackoff: cfg.Store.Redis.MinRetryBackoff,
		MaxRetryBackoff: cfg.Store.Redis.MaxRetryBackoff,
	}
	rs, err := store.NewRedisStore(redisCfg, log)
	if err != nil {
		return nil, nil, err
	}
	return rs, func() { _ = rs.Close() }, nil
}
