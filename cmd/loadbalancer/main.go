// Command loadbalancer is the reverse-proxying load balancer entry point.
//
// Usage:
//
//	loadbalancer [-config path/to/config.yaml]
//
// The balancer supports partial hot-reload: edit config.yaml while the
// process is running and log level, rate-limit, admin-auth, and health-check
// timing changes take effect immediately — listen address, persistence
// path, and retry policy require a restart. Shutdown is graceful: send
// SIGINT or SIGTERM and in-flight requests are given up to 10 seconds to
// complete before the shared upstream client's idle connections are closed.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"loadbalancer/internal/config"
	"loadbalancer/internal/forwarder"
	"loadbalancer/internal/health"
	"loadbalancer/internal/management"
	"loadbalancer/internal/middleware"
	"loadbalancer/internal/persist"
	"loadbalancer/internal/registry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	cfg, v, err := config.Load(*configPath)
	if err != nil {
		slog.Warn("could not load config file, using defaults", "path", *configPath, "error", err)
		cfg = config.Default()
		v = nil
	}
	applyLogLevel(cfg.LogLevel)

	persister := persist.New(cfg.PersistencePath)
	seed := persister.Load()
	reg := registry.New(seed, persister)
	slog.Info("loaded backend roster", "path", cfg.PersistencePath, "count", len(seed), "backends", seed)

	monitor := health.New(reg, health.Config{
		Interval: cfg.HealthCheck.ParsedInterval(),
		Timeout:  cfg.HealthCheck.ParsedTimeout(),
		Path:     cfg.HealthCheck.ParsedPath(),
	})
	monitor.Start()

	client := &http.Client{}
	fwd := forwarder.New(reg, management.New(reg), client, forwarder.RetryPolicy{
		MaxAttempts: cfg.Retry.Attempts(),
		Backoff:     cfg.Retry.ParsedBackoff(),
	})

	mgmtHandler := management.New(reg)

	var current atomic.Value
	buildChain := func(c config.Config) http.Handler {
		return middleware.Logger(routeByPath(mgmtHandler, fwd, c))
	}
	current.Store(buildChain(cfg))

	topHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current.Load().(http.Handler).ServeHTTP(w, r)
	})

	if v != nil {
		config.Watch(v, func(newCfg config.Config) {
			applyLogLevel(newCfg.LogLevel)
			monitor.UpdateConfig(health.Config{
				Interval: newCfg.HealthCheck.ParsedInterval(),
				Timeout:  newCfg.HealthCheck.ParsedTimeout(),
				Path:     newCfg.HealthCheck.ParsedPath(),
			})
			current.Store(buildChain(newCfg))
			slog.Info("hot-reload applied",
				"log_level", newCfg.LogLevel,
				"rate_limit", newCfg.RateLimit.Enabled,
				"admin_auth", newCfg.AdminAuth.Enabled,
			)
		})
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      topHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // proxied responses may stream arbitrarily long
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("loadbalancer listening",
			"addr", cfg.ListenAddr,
			"persistence_path", cfg.PersistencePath,
			"rate_limit", cfg.RateLimit.Enabled,
			"admin_auth", cfg.AdminAuth.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down loadbalancer")

	monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
	client.CloseIdleConnections()

	slog.Info("loadbalancer stopped")
}

// routeByPath dispatches to the management API or the proxy surface,
// applying each surface's own optional middleware: admin auth guards
// management mutations, rate limiting guards proxied traffic. Neither
// applies to the other surface.
func routeByPath(mgmt *management.Handler, fwd *forwarder.Forwarder, c config.Config) http.Handler {
	var mgmtChain http.Handler = mgmt
	if c.AdminAuth.Enabled {
		mgmtChain = middleware.ManagementAuth(c.AdminAuth.Secret)(mgmtChain)
	}

	var proxyChain http.Handler = fwd
	if c.RateLimit.Enabled {
		proxyChain = middleware.RateLimiter(c.RateLimit.RPS, c.RateLimit.Burst)(proxyChain)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mgmt.Handles(r.URL.Path) {
			mgmtChain.ServeHTTP(w, r)
			return
		}
		proxyChain.ServeHTTP(w, r)
	})
}

func applyLogLevel(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}
