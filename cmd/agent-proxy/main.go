package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"agent-proxy/internal/client"
	"agent-proxy/internal/config"
	"agent-proxy/internal/handler"
	"agent-proxy/internal/metrics"
	"agent-proxy/internal/middleware"
	"agent-proxy/internal/secret"
	"agent-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("agent-proxy"),
		kong.Description("Proxy that relays JSON calls to agent function backends."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			func() service.LookupEnv { return os.LookupEnv },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			secret.NewStore,
			client.NewFunctionClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, logBackends, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newMetrics returns nil when metrics are disabled; every consumer accepts nil.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	routes := []string{"/healthz", "/proxy/status", cfg.Metrics.Path}
	for _, b := range cfg.Backends {
		routes = append(routes, b.Route)
	}
	return metrics.New(routes...)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0): agent calls can legitimately run for
	// minutes. The upstream client timeout bounds each request instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}
	// server.body_max_bytes is enforced by the proxy service once the backend
	// configuration has resolved.
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.SecurityHeaders())

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// logBackends reports each route at startup. Missing configuration is only a
// warning: values are read per request and may be provided later.
func logBackends(svc *service.ProxyService, logger *slog.Logger) {
	for _, st := range svc.Status(context.Background()) {
		if st.Configured {
			logger.Info("backend ready", "backend", st.Name, "route", st.Route)
		} else {
			logger.Warn("backend not configured; requests will fail until URL and key are set",
				"backend", st.Name,
				"route", st.Route,
			)
		}
	}
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
