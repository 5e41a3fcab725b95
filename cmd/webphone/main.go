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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commdesk/webphone/internal/api"
	"github.com/commdesk/webphone/internal/call"
	"github.com/commdesk/webphone/internal/config"
	"github.com/commdesk/webphone/internal/creds"
	"github.com/commdesk/webphone/internal/history"
	"github.com/commdesk/webphone/internal/media"
	"github.com/commdesk/webphone/internal/metrics"
	"github.com/commdesk/webphone/internal/mic"
	"github.com/commdesk/webphone/internal/session"
	"github.com/commdesk/webphone/internal/signaling/sipclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting webphone",
		"http_port", cfg.HTTPPort,
		"sip_server", cfg.SIPServer,
		"data_dir", cfg.DataDir,
	)

	// Open the call history database and run migrations.
	db, err := history.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open history database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	store := history.NewStore(db, logger)

	// Core controller wiring: one media binder, one call machine, one
	// session manager.
	binder := media.NewBinder(logger)
	machine := call.NewMachine(store, logger)
	prewarm := mic.NewPrewarmer(binder.CaptureDevice(), logger)
	provider := creds.NewProvider(cfg.ConsoleURL, cfg.ConsoleToken, logger)
	factory := sipclient.NewFactory(binder, logger)

	sess := session.NewManager(session.Options{
		Server:     cfg.SIPServer,
		Transport:  cfg.SIPTransport,
		ListenAddr: cfg.SIPListenAddr,
	}, provider, factory, machine, prewarm, binder, logger)
	defer sess.Disconnect()

	if cfg.AutoConnect {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := sess.Connect(ctx); err != nil {
			// Startup survives a failed connect; the session stays in
			// the error state until a manual reconnect.
			slog.Error("initial connect failed", "error", err)
		}
		cancel()
	}

	collector := metrics.NewCollector(sess, machine, store, prewarm)
	metricsHandler := promhttp.HandlerFor(metrics.Register(collector), promhttp.HandlerOpts{})

	apiSrv, err := api.NewServer(cfg, sess, machine, store, prewarm, metricsHandler)
	if err != nil {
		slog.Error("failed to create api server", "error", err)
		os.Exit(1)
	}
	defer apiSrv.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	sess.Disconnect()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("webphone stopped")
}
