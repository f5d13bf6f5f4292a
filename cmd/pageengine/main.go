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

	"github.com/use-agent/pageengine/api"
	"github.com/use-agent/pageengine/config"
	"github.com/use-agent/pageengine/milestone"
	"github.com/use-agent/pageengine/scheduler"
	"github.com/use-agent/pageengine/transport"
	"github.com/use-agent/pageengine/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("pageengine starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"maxPages", cfg.Transport.AdaptivePool.HardMax,
	)

	milestone.MustRegister(nil)

	// ── 3. Initialise the concrete Transport collaborator ───────────
	tr, err := transport.New(cfg.Transport)
	if err != nil {
		slog.Error("failed to initialise transport", "error", err)
		os.Exit(1)
	}
	defer tr.Shutdown()

	// ── 4. Initialise the scheduler (C12), the composition root ─────
	sched := scheduler.New(cfg, tr, nil)
	defer sched.Stop()

	// ── 4b. Milestone webhook fan-out ───────────────────────────────
	if cfg.Webhook.URL != "" {
		wh := webhook.New(webhook.Settings{
			URL:        cfg.Webhook.URL,
			Secret:     cfg.Webhook.Secret,
			FlushEvery: cfg.Webhook.FlushEvery,
			MaxRetries: uint64(cfg.Webhook.MaxRetries),
			Timeout:    cfg.Webhook.Timeout,
		})
		defer wh.Close()
		sched.Subscribe(func(ev milestone.Event) {
			eventType := "milestone." + string(ev.Kind)
			if ev.Kind == milestone.KindFailed {
				eventType = "page.failed"
			}
			wh.Enqueue(ev.Epoch, eventType, ev.At)
		})
		slog.Info("milestone webhook fan-out enabled", "url", cfg.Webhook.URL)
	}

	// ── 5. Setup router ──────────────────────────────────────────────
	startTime := time.Now()
	router := api.NewRouter(sched, cfg, startTime)

	// ── 6. Start HTTP server ─────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 7. Graceful shutdown ─────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// sched.Stop() and tr.Shutdown() run via defer: cancel in-flight
	// fetches, then drain the page pool and kill the browser process.
	slog.Info("pageengine stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
