// Command quote-server serves the insurance quote MCP app over streamable
// HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-quote-server/events"
	"github.com/ggoodman/mcp-quote-server/events/memorybus"
	"github.com/ggoodman/mcp-quote-server/events/redisbus"
	"github.com/ggoodman/mcp-quote-server/internal/ratelimit"
	"github.com/ggoodman/mcp-quote-server/mcpservice"
	"github.com/ggoodman/mcp-quote-server/metrics"
	"github.com/ggoodman/mcp-quote-server/notifier"
	"github.com/ggoodman/mcp-quote-server/quoteapp"
	"github.com/ggoodman/mcp-quote-server/sessions"
	"github.com/ggoodman/mcp-quote-server/streaminghttp"
	"github.com/ggoodman/mcp-quote-server/widget"
)

const limiterIdleTTL = 5 * time.Minute

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, cfgErr := loadConfig()
	cmd := &cobra.Command{
		Use:           "quote-server",
		Short:         "Serve the insurance quote MCP app over streamable HTTP",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfgErr != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", cfgErr)
				return cfgErr
			}
			if err := cfg.validate(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return err
			}
			log := newLogger(os.Stderr, cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg, log); err != nil {
				log.ErrorContext(ctx, "server.exit", slog.String("err", err.Error()))
				return err
			}
			return nil
		},
	}
	bindFlags(cmd, &cfg)
	return cmd
}

func run(ctx context.Context, cfg Config, log *slog.Logger) error {
	policy, _ := widget.ParsePolicy(cfg.WidgetPolicy)
	store, err := widget.Open(policy, cfg.WidgetPath)
	if err != nil {
		return fmt.Errorf("open widget: %w", err)
	}

	var mx *metrics.Metrics
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		mx = metrics.New(reg)
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
	}

	bus, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	manager := sessions.NewManager(
		quoteapp.NewRegistrar(store,
			quoteapp.WithConfirmationText(cfg.ConfirmationText),
			quoteapp.WithLogger(log),
		),
		sessions.WithLogger(log),
		sessions.WithMetrics(mx),
		sessions.WithServerOptions(
			mcpservice.WithServerInfo(quoteapp.ServerInfo),
			mcpservice.WithInstructions(cfg.Instructions),
		),
	)

	nopts := []notifier.Option{
		notifier.WithBus(bus),
		notifier.WithTopic(cfg.EventsChannel),
		notifier.WithLogger(log),
		notifier.WithMetrics(mx),
	}
	if cfg.watchWidget(policy) {
		nopts = append(nopts, notifier.WithWatchPath(cfg.WidgetPath))
	} else if cfg.WidgetWatch {
		log.InfoContext(ctx, "notifier.watch.disabled", slog.String("widget_policy", string(policy)))
	}
	n := notifier.New(manager.Registry(), nopts...)

	handler := streaminghttp.New(manager,
		streaminghttp.WithLogger(log),
		streaminghttp.WithMetrics(mx),
		streaminghttp.WithRateLimiter(ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, limiterIdleTTL)),
	)
	srv := &http.Server{
		Addr:              cfg.listenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	// Closing sessions ends open event streams so Shutdown can drain them.
	srv.RegisterOnShutdown(func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(sctx); err != nil {
			log.WarnContext(sctx, "sessions.shutdown.fail", slog.String("err", err.Error()))
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 3)

	go func() {
		if err := n.Run(runCtx); err != nil {
			errc <- fmt.Errorf("change notifier: %w", err)
		}
	}()
	go func() {
		log.InfoContext(ctx, "server.listen", slog.String("addr", srv.Addr), slog.String("widget_policy", string(policy)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("listen: %w", err)
		}
	}()
	if metricsSrv != nil {
		go func() {
			log.InfoContext(ctx, "metrics.listen", slog.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("metrics listen: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.InfoContext(ctx, "server.shutdown.start")
	case runErr = <-errc:
	}
	cancel()

	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(sctx)
	}
	log.InfoContext(sctx, "server.shutdown.ok")
	return runErr
}

func openBus(ctx context.Context, cfg Config) (events.Bus, error) {
	if cfg.RedisAddr == "" {
		return memorybus.New(), nil
	}
	b, err := redisbus.New(ctx, redisbus.Config{Addr: cfg.RedisAddr, Prefix: cfg.EventsPrefix})
	if err != nil {
		return nil, fmt.Errorf("connect redis bus: %w", err)
	}
	return b, nil
}
