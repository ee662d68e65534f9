package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-quote-server/internal/logctx"
	"github.com/ggoodman/mcp-quote-server/notifier"
	"github.com/ggoodman/mcp-quote-server/widget"
)

// Config is the process configuration. Values come from the environment and
// may be overridden by explicitly set command line flags.
type Config struct {
	Port int    `env:"PORT,default=8787"`
	Host string `env:"MCP_HOST,default=localhost"`

	WidgetPath       string `env:"QUOTE_WIDGET_PATH,default=public/quote-widget.html"`
	WidgetPolicy     string `env:"QUOTE_WIDGET_POLICY,default=snapshot"`
	WidgetWatch      bool   `env:"QUOTE_WIDGET_WATCH,default=true"`
	ConfirmationText bool   `env:"QUOTE_CONFIRMATION_TEXT,default=true"`
	Instructions     string `env:"QUOTE_INSTRUCTIONS"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	MetricsAddr   string `env:"METRICS_ADDR"`
	RedisAddr     string `env:"REDIS_ADDR"`
	EventsChannel string `env:"QUOTE_EVENTS_CHANNEL,default=quote-server:widget-changed"`
	EventsPrefix  string `env:"QUOTE_EVENTS_PREFIX"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS,default=0"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST,default=20"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT,default=10s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if cfg.EventsChannel == "" {
		cfg.EventsChannel = notifier.DefaultTopic
	}
	return cfg, nil
}

// bindFlags registers flags on cmd. Defaults shown in help are the
// environment-derived values.
func bindFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	f.IntVar(&cfg.Port, "port", cfg.Port, "listen port (PORT)")
	f.StringVar(&cfg.Host, "host", cfg.Host, "listen host (MCP_HOST)")
	f.StringVar(&cfg.WidgetPath, "widget-path", cfg.WidgetPath, "widget markup file (QUOTE_WIDGET_PATH)")
	f.StringVar(&cfg.WidgetPolicy, "widget-policy", cfg.WidgetPolicy, "snapshot or live (QUOTE_WIDGET_POLICY)")
	f.BoolVar(&cfg.WidgetWatch, "watch", cfg.WidgetWatch, "watch the widget file for changes, live policy only (QUOTE_WIDGET_WATCH)")
	f.BoolVar(&cfg.ConfirmationText, "confirmation-text", cfg.ConfirmationText, "add a text block to get_quote results (QUOTE_CONFIRMATION_TEXT)")
	f.StringVar(&cfg.Instructions, "instructions", cfg.Instructions, "instructions returned from initialize (QUOTE_INSTRUCTIONS)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json (LOG_FORMAT)")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address, empty disables (METRICS_ADDR)")
	f.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the change bus, empty uses in-process (REDIS_ADDR)")
	f.StringVar(&cfg.EventsPrefix, "events-prefix", cfg.EventsPrefix, "Redis channel prefix for change events (QUOTE_EVENTS_PREFIX)")
	f.Float64Var(&cfg.RateLimitRPS, "rate-limit-rps", cfg.RateLimitRPS, "per-client requests per second on /mcp, 0 disables (RATE_LIMIT_RPS)")
	f.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", cfg.RateLimitBurst, "per-client burst (RATE_LIMIT_BURST)")
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := widget.ParsePolicy(c.WidgetPolicy); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit burst must be positive, got %d", c.RateLimitBurst)
	}
	return nil
}

// watchWidget reports whether file changes should be announced. Only a live
// store serves the changed file.
func (c Config) watchWidget(policy widget.Policy) bool {
	return c.WidgetWatch && policy == widget.PolicyLive
}

func (c Config) listenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

func newLogger(w io.Writer, c Config) *slog.Logger {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return logctx.NewLogger(h)
}
