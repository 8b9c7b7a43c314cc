// Command browserchanneld serves the BrowserChannel transport standalone,
// wiring internal/config, internal/metrics, internal/session, and
// internal/dispatch together behind net/http. It exists to exercise the
// library end-to-end; embedding applications are expected to mount
// dispatch.Handler inside their own router instead.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/browserchannel/internal/clock"
	"github.com/vango-dev/browserchannel/internal/config"
	"github.com/vango-dev/browserchannel/internal/dispatch"
	"github.com/vango-dev/browserchannel/internal/metrics"
	"github.com/vango-dev/browserchannel/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m := metrics.New(metrics.Config{Namespace: cfg.MetricsNamespace})

	hooks := session.Hooks{
		OnMap: func(msg map[string]string) {
			logger.Debug("session map received", "map", msg)
		},
		OnMessage: func(msg any) {
			logger.Debug("session message received", "message", msg)
		},
		OnStateChange: func(newState, oldState session.State) {
			logger.Debug("session state changed", "from", oldState, "to", newState)
		},
		OnClose: func(reason string) {
			logger.Info("session closed", "reason", reason)
		},
	}
	sessionCfg := session.Config{
		KeepAliveInterval:      cfg.KeepAliveInterval,
		SessionTimeoutInterval: cfg.SessionTimeoutInterval,
		MaxBufferedBatches:     cfg.MaxBufferedBatches,
	}
	registry := session.NewRegistry(hooks, sessionCfg, clock.Real, logger, m)

	handler := dispatch.New(dispatch.Options{
		Base:         cfg.Base,
		HostPrefixes: cfg.HostPrefixes,
		Registry:     registry,
		Metrics:      m,
		Logger:       logger,
		OnConnect: func(s *session.Session) {
			logger.Info("session connected", "session_id", s.ID, "address", s.Address, "app_version", s.AppVersion)
		},
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.Base+"/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "base", cfg.Base)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.CloseAll("Server shutting down")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
