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
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"github.com/elastic/llm-debug-proxy/internal/client"
	"github.com/elastic/llm-debug-proxy/internal/config"
	"github.com/elastic/llm-debug-proxy/internal/format"
	"github.com/elastic/llm-debug-proxy/internal/handler"
	"github.com/elastic/llm-debug-proxy/internal/inspect"
	"github.com/elastic/llm-debug-proxy/internal/metrics"
	"github.com/elastic/llm-debug-proxy/internal/middleware"
	"github.com/elastic/llm-debug-proxy/internal/service"
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
		kong.Name("llm-debug-proxy"),
		kong.Description("Transparent HTTP(S) forwarding proxy that prints the traffic it relays."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newSink,
			inspect.NewDispatcher,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewInfoHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
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
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(h)
}

// newSink prints captures to stdout. Colour is off when asked for or when
// stdout is not a terminal.
func newSink(cfg *config.Config) inspect.Sink {
	ic := cfg.Inspect
	return inspect.NewConsoleSink(os.Stdout, inspect.ConsoleOptions{
		Format: format.Options{
			Raw:          ic.Raw,
			NoColor:      ic.NoColor || color.NoColor,
			MaxBodyChars: ic.MaxBodyChars,
		},
		ShowHeaders:   ic.ShowHeaders,
		BannerHeaders: ic.BannerHeaders,
	})
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Request bodies stream to the upstream and responses stream back, so
	// neither direction gets an overall deadline.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator:        uuid.NewString,
		RequestIDHandler: middleware.StoreRequestID,
	}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond, logger))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, d *inspect.Dispatcher, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "config", cfg.FilePath())
			logger.Info("try sending a request",
				"example", fmt.Sprintf(`curl -X POST 'http://localhost:%d/?target_url=https://jsonplaceholder.typicode.com/posts' -d '{"title": "foo", "body": "bar", "userId": 1}'`, cfg.Server.Port),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			if err := e.Shutdown(ctx); err != nil {
				return err
			}
			// In-flight captures are printed before exit.
			return d.Close(ctx)
		},
	})
}
