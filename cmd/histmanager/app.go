package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/vjranagit/histmanager/internal/config"
	"github.com/vjranagit/histmanager/pkg/api"
	"github.com/vjranagit/histmanager/pkg/history"
	"github.com/vjranagit/histmanager/pkg/router"
	"github.com/vjranagit/histmanager/pkg/storage"
	"github.com/vjranagit/histmanager/pkg/storage/influx"
	"github.com/vjranagit/histmanager/pkg/types"
)

// app holds the opened backends and the engine built over them
type app struct {
	logger  *slog.Logger
	db      *storage.DB
	influx  *influx.Client
	cache   *storage.CachedTrendStore
	manager *history.Manager
	writer  *routedWriter
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	rc, err := cfg.RouterConfig()
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(cfg.ToStorageConfig(), logger)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, db: db}

	historyStores := map[string]history.HistoryStore{router.DefaultBackend: db.History()}
	trendStores := map[string]history.TrendStore{router.DefaultBackend: db.Trends()}
	writers := map[string]api.Writer{router.DefaultBackend: db}

	if cfg.Storage.TrendCache.Capacity > 0 {
		a.cache = storage.NewCachedTrendStore(db.Trends(), cfg.Storage.TrendCache.Capacity, cfg.Storage.TrendCache.TTL)
		db.OnWrite(a.cache.InvalidateOn)
		trendStores[router.DefaultBackend] = a.cache
	}

	if cfg.Influx.Enabled() {
		a.influx, err = influx.New(cfg.ToInfluxConfig(), logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		historyStores[config.InfluxBackend] = a.influx.History()
		trendStores[config.InfluxBackend] = a.influx.Trends()
		writers[config.InfluxBackend] = a.influx
		logger.Info("InfluxDB backend enabled", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}

	r := router.New(rc)
	opts := cfg.EngineOptions()
	opts.Logger = logger
	a.manager, err = history.NewManager(r, historyStores, trendStores, opts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create query engine: %w", err)
	}
	a.writer = &routedWriter{router: r, writers: writers}

	logger.Info("query engine ready", "backends", r.Backends(), "items", db.Catalog().Count())
	return a, nil
}

func (a *app) Close() {
	if a.cache != nil {
		stats := a.cache.Stats()
		a.logger.Info("trend cache statistics",
			"size", stats.Size,
			"hits", stats.Hits,
			"misses", stats.Misses,
			"hit_rate", stats.HitRate())
	}
	if a.influx != nil {
		a.influx.Close()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close storage", "error", err)
	}
}

// routedWriter sends each part of a write to the backend its value type is
// routed to
type routedWriter struct {
	router  *router.Router
	writers map[string]api.Writer
}

func (w *routedWriter) Write(ctx context.Context, req *types.WriteRequest) error {
	parts, err := w.router.Split(req)
	if err != nil {
		return err
	}

	backends := make([]string, 0, len(parts))
	for backend := range parts {
		backends = append(backends, backend)
	}
	sort.Strings(backends)

	for _, backend := range backends {
		writer, ok := w.writers[backend]
		if !ok {
			return fmt.Errorf("no writer for backend %q", backend)
		}
		if err := writer.Write(ctx, parts[backend]); err != nil {
			return fmt.Errorf("write to %s failed: %w", backend, err)
		}
	}
	return nil
}

// initTracerProvider installs an OTLP/gRPC exporting TracerProvider when
// tracing is enabled. The returned cleanup flushes pending spans.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	logger.Info("initializing distributed tracing", "endpoint", cfg.Endpoint)

	ctx := context.Background()
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down tracer provider", "error", err)
		}
	}, nil
}
