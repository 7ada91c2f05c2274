package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/rendis/rlm/internal/engine"
	"github.com/rendis/rlm/internal/gateway"
	"github.com/rendis/rlm/internal/logging"
	"github.com/rendis/rlm/internal/metrics"
	"github.com/rendis/rlm/internal/store"
)

// app carries the state shared by every subcommand once configuration has
// been resolved.
type app struct {
	cfg        Config
	configFile string
	logger     *slog.Logger
}

func newLogger(w io.Writer, cfg Config) *slog.Logger {
	inner := slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.slogLevel()})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// openStore opens and migrates the run store. It returns nil when
// persistence is disabled.
func (a *app) openStore(ctx context.Context) (*store.LibSQLStore, error) {
	uri := a.cfg.storeURI()
	if uri == "" {
		return nil, nil
	}
	if path := strings.TrimPrefix(uri, "file:"); path != uri {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(uri)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// newGateway returns a replay gateway when replayFile is set, otherwise an
// OpenAI-compatible client.
func (a *app) newGateway(replayFile string) (gateway.Gateway, error) {
	if replayFile != "" {
		return gateway.LoadScript(replayFile)
	}
	if a.cfg.APIKey == "" {
		return nil, errors.New("no API key configured: set RLM_API_KEY or OPENAI_API_KEY, or pass --replay")
	}
	return gateway.NewOpenAI(gateway.OpenAIConfig{
		APIKey:  a.cfg.APIKey,
		BaseURL: a.cfg.BaseURL,
		Logger:  a.logger,
	}), nil
}

func (a *app) newController(gw gateway.Gateway, st *store.LibSQLStore, m *metrics.Metrics) (*engine.Controller, error) {
	cfg := engine.ControllerConfig{
		Options: a.cfg.Options(),
		Gateway: gw,
		Logger:  a.logger,
		Metrics: m,
	}
	if st != nil {
		cfg.Store = st
	}
	return engine.NewController(cfg)
}

// startMetrics serves /metrics on metrics_addr. It returns nil metrics and a
// no-op stop when no address is configured.
func (a *app) startMetrics() (*metrics.Metrics, func()) {
	if a.cfg.MetricsAddr == "" {
		return nil, func() {}
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", a.cfg.MetricsAddr, "error", err)
		}
	}()
	a.logger.Info("metrics listening", "addr", a.cfg.MetricsAddr)

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return m, stop
}

// loadContextFile reads an initial context from a YAML or JSON file.
func loadContextFile(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse context file %s: %w", path, err)
	}
	return raw, nil
}
