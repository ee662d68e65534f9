package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-quote-server/widget"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "MCP_HOST", "QUOTE_WIDGET_POLICY", "QUOTE_WIDGET_WATCH", "REDIS_ADDR", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "LOG_LEVEL", "LOG_FORMAT", "QUOTE_EVENTS_CHANNEL", "QUOTE_EVENTS_PREFIX", "SHUTDOWN_TIMEOUT"} {
		t.Setenv(k, "")
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Port != 8787 || cfg.Host != "localhost" {
		t.Fatalf("listen = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.listenAddr() != "localhost:8787" {
		t.Fatalf("listenAddr = %q", cfg.listenAddr())
	}
	if cfg.WidgetPolicy != "snapshot" || !cfg.WidgetWatch || !cfg.ConfirmationText {
		t.Fatalf("widget defaults = %+v", cfg)
	}
	if cfg.EventsChannel != "quote-server:widget-changed" {
		t.Fatalf("events channel = %q", cfg.EventsChannel)
	}
	if cfg.RateLimitRPS != 0 || cfg.RateLimitBurst != 20 {
		t.Fatalf("rate limit = %v/%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("shutdown timeout = %v", cfg.ShutdownTimeout)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate defaults: %v", err)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("MCP_HOST", "0.0.0.0")
	t.Setenv("QUOTE_WIDGET_POLICY", "live")
	t.Setenv("QUOTE_WIDGET_WATCH", "false")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("QUOTE_EVENTS_PREFIX", "staging:")
	t.Setenv("QUOTE_INSTRUCTIONS", "Ask for payroll first.")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Port != 9000 || cfg.Host != "0.0.0.0" {
		t.Fatalf("listen = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.WidgetPolicy != "live" || cfg.WidgetWatch {
		t.Fatalf("widget = %q watch=%v", cfg.WidgetPolicy, cfg.WidgetWatch)
	}
	if cfg.EventsPrefix != "staging:" || cfg.Instructions != "Ask for payroll first." {
		t.Fatalf("events prefix = %q instructions = %q", cfg.EventsPrefix, cfg.Instructions)
	}
	if cfg.RedisAddr != "redis:6379" || cfg.RateLimitRPS != 2.5 || cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	cmd := &cobra.Command{Use: "quote-server"}
	bindFlags(cmd, &cfg)
	if err := cmd.Flags().Parse([]string{"--port", "9100"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("port = %d, want flag value", cfg.Port)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q, want environment value", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	base := Config{Port: 8787, Host: "localhost", WidgetPolicy: "snapshot", LogLevel: "info", LogFormat: "text", RateLimitBurst: 20}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Port = 0 }, wantErr: "invalid port"},
		{name: "bad policy", mutate: func(c *Config) { c.WidgetPolicy = "sometimes" }, wantErr: "unknown policy"},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "invalid log format"},
		{name: "zero burst with limit", mutate: func(c *Config) { c.RateLimitRPS = 1; c.RateLimitBurst = 0 }, wantErr: "burst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWatchWidgetRequiresLivePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		watch  bool
		policy widget.Policy
		want   bool
	}{
		{watch: true, policy: widget.PolicyLive, want: true},
		{watch: true, policy: widget.PolicySnapshot, want: false},
		{watch: false, policy: widget.PolicyLive, want: false},
		{watch: false, policy: widget.PolicySnapshot, want: false},
	}
	for _, tt := range tests {
		cfg := Config{WidgetWatch: tt.watch}
		if got := cfg.watchWidget(tt.policy); got != tt.want {
			t.Fatalf("watch=%v policy=%s: got %v, want %v", tt.watch, tt.policy, got, tt.want)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, Config{LogLevel: "info", LogFormat: "json"}).Info("server.listen")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"msg":"server.listen"`) {
		t.Fatalf("json output = %q", buf.String())
	}

	buf.Reset()
	l := newLogger(&buf, Config{LogLevel: "warn", LogFormat: "text"})
	l.Info("dropped")
	l.Warn("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "msg=kept") {
		t.Fatalf("text output = %q", buf.String())
	}
}
