package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vjranagit/histmanager/pkg/history"
	"github.com/vjranagit/histmanager/pkg/storage"
	"github.com/vjranagit/histmanager/pkg/types"
)

// Engine is the query surface served over HTTP
type Engine interface {
	AggregateByWidth(ctx context.Context, req history.AggregateRequest) (*history.SeriesResult, error)
	AggregateByInterval(ctx context.Context, req history.IntervalRequest) (*history.SeriesResult, error)
	GetLastValues(ctx context.Context, items []types.Item, limit int, period int64) (*history.LastValuesResult, error)
	GetItemsHavingValues(ctx context.Context, items []types.Item, period int64) ([]types.Item, error)
	GetValueAt(ctx context.Context, item types.Item, clock int64, ns int32) (types.Sample, error)
	GetAggregatedValue(ctx context.Context, item types.Item, fn types.Function, timeFrom int64) (float64, error)
}

// Catalog resolves bare item ids to items
type Catalog interface {
	Lookup(ids []uint64) (found []types.Item, missing []uint64)
	Find(f storage.CatalogFilter) []types.Item
}

// Writer stores samples and trend rows
type Writer interface {
	Write(ctx context.Context, req *types.WriteRequest) error
}

// Server implements the HTTP API server
type Server struct {
	engine  Engine
	catalog Catalog
	writer  Writer
	addr    string
	timeout time.Duration
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server. catalog and writer may be nil, which
// disables bare item ids and the write endpoints respectively.
func NewServer(addr string, timeout time.Duration, engine Engine, catalog Catalog, writer Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		engine:  engine,
		catalog: catalog,
		writer:  writer,
		addr:    addr,
		timeout: timeout,
		logger:  logger,
	}
}

// Handler returns the routed handler with request logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/history/aggregate", s.handleAggregate)
	mux.HandleFunc("/api/v1/history/last", s.handleLast)
	mux.HandleFunc("/api/v1/history/having_values", s.handleHavingValues)
	mux.HandleFunc("/api/v1/history/value_at", s.handleValueAt)
	mux.HandleFunc("/api/v1/history/aggregated_value", s.handleAggregatedValue)
	mux.HandleFunc("/api/v1/history/write", s.handleHistoryWrite)
	mux.HandleFunc("/api/v1/trends/write", s.handleTrendsWrite)
	mux.HandleFunc("/api/v1/items", s.handleItems)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return s.withRequestID(mux)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.timeout,
		WriteTimeout: s.timeout,
	}

	return s.server.ListenAndServe()
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestID tags every request with an id, echoed in X-Request-ID and
// attached to the request log line.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))

		s.logger.Debug("handled request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps engine errors to HTTP status codes
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case history.IsInvalidRequest(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case history.IsNoData(err):
		writeError(w, http.StatusNotFound, err.Error())
	case history.IsStoreUnavailable(err):
		s.requestLogger(r).Warn("store unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.requestLogger(r).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// parseIDs accepts repeated and comma-separated id parameters
func parseIDs(values []string) ([]uint64, error) {
	var ids []uint64
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseUint(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid item id %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func parseInt(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

// resolve turns bare item ids into catalog items
func (s *Server) resolve(ids []uint64) ([]types.Item, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one itemid is required")
	}
	if s.catalog == nil {
		return nil, fmt.Errorf("item catalog unavailable, send items with value types")
	}
	found, missing := s.catalog.Lookup(ids)
	if len(missing) > 0 {
		return nil, fmt.Errorf("unknown items %v", missing)
	}
	return found, nil
}

func (s *Server) itemsFromQuery(r *http.Request) ([]types.Item, error) {
	ids, err := parseIDs(r.URL.Query()["itemid"])
	if err != nil {
		return nil, err
	}
	return s.resolve(ids)
}
