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

	"quik-go/internal/broadcast"
	"quik-go/internal/client"
	"quik-go/internal/config"
	"quik-go/internal/handler"
	"quik-go/internal/inject"
	"quik-go/internal/launcher"
	"quik-go/internal/metrics"
	"quik-go/internal/middleware"
	"quik-go/internal/server"
	"quik-go/internal/service"
	"quik-go/internal/tunnel"
	"quik-go/internal/watch"
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
		kong.Name("quik"),
		kong.Description("Development reverse proxy that reloads the browser when the application changes."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newFilter,
			client.NewBackendClient,
			service.NewRelayService,
			broadcast.NewHub,
			func(h *broadcast.Hub) broadcast.Notifier { return h },
			tunnel.New,
			server.New,
			watch.New,
			launcher.New,
			newEcho,
			handler.NewHealthHandler,
			handler.NewReloadHandler,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			startLauncher,
			startHub,
			startProxy,
			startWatcher,
			startAdmin,
		),
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

func newFilter(cfg *config.Config) *inject.Filter {
	return inject.New(cfg.Inject.EventsPath)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 60 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit("64K"))
	e.Use(middleware.SecurityHeaders())
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}

	if cfg.Admin.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Admin.RateLimit.RequestsPerSecond))
		logger.Info("admin rate limiter enabled", "rps", cfg.Admin.RateLimit.RequestsPerSecond)
	}

	return e
}

// startLauncher runs the backend command and stops quik when it exits on its own.
func startLauncher(lc fx.Lifecycle, l *launcher.Launcher, sd fx.Shutdowner, logger *slog.Logger) {
	if !l.Enabled() {
		return
	}
	stopping := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := l.Start(); err != nil {
				return err
			}
			go func() {
				select {
				case <-l.Exited():
					logger.Error("backend command exited; shutting down")
					_ = sd.Shutdown(fx.ExitCode(1))
				case <-stopping:
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			close(stopping)
			return l.Stop()
		},
	})
}

func startHub(lc fx.Lifecycle, hub *broadcast.Hub) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go hub.Run(ctx)
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			hub.Close()
			return nil
		},
	})
}

func startProxy(lc fx.Lifecycle, srv *server.Server, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := srv.Listen(ctx)
			if err != nil {
				return err
			}
			logger.Info("starting proxy",
				"addr", srv.Addr(),
				"backend", cfg.Backend.Addr(),
				"events_path", cfg.Inject.EventsPath,
			)
			go func() {
				if err := srv.Serve(context.Background(), ln); err != nil {
					logger.Error("proxy error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy")
			return srv.Shutdown(ctx)
		},
	})
}

func startWatcher(lc fx.Lifecycle, w *watch.Watcher, cfg *config.Config) {
	if !cfg.Watch.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return w.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			cancel()
			return w.Stop()
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", addr, err)
			}
			logger.Info("starting admin API", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin API")
			return e.Shutdown(ctx)
		},
	})
}
