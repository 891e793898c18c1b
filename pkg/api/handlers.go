package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/vjranagit/histmanager/pkg/history"
	"github.com/vjranagit/histmanager/pkg/storage"
	"github.com/vjranagit/histmanager/pkg/types"
)

// aggregateRequest is the body of POST /api/v1/history/aggregate. Items may
// be given in full or as bare ids resolved through the catalog; Interval,
// when set, takes precedence over Width.
type aggregateRequest struct {
	Items    []types.Item   `json:"items"`
	ItemIDs  []uint64       `json:"itemids"`
	From     int64          `json:"time_from"`
	To       int64          `json:"time_to"`
	Width    int            `json:"width"`
	Interval int64          `json:"interval"`
	Function types.Function `json:"function"`
}

type seriesResponse struct {
	Status string         `json:"status"`
	Source []types.Source `json:"source"`
	Data   []types.Bucket `json:"data"`
	Error  string         `json:"error,omitempty"`
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req aggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}

	items := req.Items
	if len(req.ItemIDs) > 0 {
		resolved, err := s.resolve(req.ItemIDs)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		items = append(items, resolved...)
	}

	var (
		result *history.SeriesResult
		err    error
	)
	if req.Interval > 0 {
		result, err = s.engine.AggregateByInterval(r.Context(), history.IntervalRequest{
			Items: items, From: req.From, To: req.To, Interval: req.Interval, Function: req.Function,
		})
	} else {
		result, err = s.engine.AggregateByWidth(r.Context(), history.AggregateRequest{
			Items: items, From: req.From, To: req.To, Width: req.Width, Function: req.Function,
		})
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	resp := make(map[string]seriesResponse, len(result.Series)+len(result.Unavailable))
	for id, series := range result.Series {
		out := seriesResponse{Status: "ok", Source: series.Sources, Data: series.Data}
		if out.Source == nil {
			out.Source = []types.Source{}
		}
		if out.Data == nil {
			out.Data = []types.Bucket{}
		}
		resp[strconv.FormatUint(id, 10)] = out
	}
	for id, err := range result.Unavailable {
		resp[strconv.FormatUint(id, 10)] = seriesResponse{Status: "unavailable", Error: err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

type lastResponse struct {
	Values      map[string][]types.Sample `json:"values"`
	Unavailable map[string]string         `json:"unavailable,omitempty"`
}

func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	items, err := s.itemsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseInt(r, "limit", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	period, err := parseInt(r, "period", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.engine.GetLastValues(r.Context(), items, int(limit), period)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	resp := lastResponse{Values: make(map[string][]types.Sample, len(result.Values))}
	for id, samples := range result.Values {
		resp.Values[strconv.FormatUint(id, 10)] = samples
	}
	if len(result.Unavailable) > 0 {
		resp.Unavailable = make(map[string]string, len(result.Unavailable))
		for id, err := range result.Unavailable {
			resp.Unavailable[strconv.FormatUint(id, 10)] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHavingValues(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	items, err := s.itemsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	period, err := parseInt(r, "period", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	having, err := s.engine.GetItemsHavingValues(r.Context(), items, period)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if having == nil {
		having = []types.Item{}
	}
	writeJSON(w, http.StatusOK, having)
}

// singleItem resolves the one itemid parameter of point queries
func (s *Server) singleItem(r *http.Request) (types.Item, error) {
	items, err := s.itemsFromQuery(r)
	if err != nil {
		return types.Item{}, err
	}
	if len(items) != 1 {
		return types.Item{}, fmt.Errorf("exactly one itemid is required")
	}
	return items[0], nil
}

func (s *Server) handleValueAt(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	item, err := s.singleItem(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.Query().Get("clock") == "" {
		writeError(w, http.StatusBadRequest, "Missing clock parameter")
		return
	}
	clock, err := parseInt(r, "clock", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ns, err := parseInt(r, "ns", 0)
	if err != nil || ns < 0 || ns > 999_999_999 {
		writeError(w, http.StatusBadRequest, "ns must be within [0, 999999999]")
		return
	}

	sample, err := s.engine.GetValueAt(r.Context(), item, clock, int32(ns))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleAggregatedValue(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	item, err := s.singleItem(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fn, err := types.ParseFunction(r.URL.Query().Get("function"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseInt(r, "time_from", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	value, err := s.engine.GetAggregatedValue(r.Context(), item, fn, from)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"itemid":   item.ItemID,
		"function": fn,
		"value":    value,
	})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "item catalog unavailable")
		return
	}

	var filter storage.CatalogFilter
	if host := r.URL.Query().Get("host"); host != "" {
		id, err := strconv.ParseUint(host, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid host %q", host))
			return
		}
		filter.HostID = id
	}
	if name := r.URL.Query().Get("value_type"); name != "" {
		vt, err := types.ParseValueType(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.ValueType = &vt
	}

	items := s.catalog.Find(filter)
	if items == nil {
		items = []types.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleHistoryWrite(w http.ResponseWriter, r *http.Request) {
	s.handleWrite(w, r, func(req *types.WriteRequest) error {
		if len(req.Trends) > 0 {
			return fmt.Errorf("trend rows belong on /api/v1/trends/write")
		}
		if len(req.Samples) == 0 && len(req.Items) == 0 {
			return fmt.Errorf("no samples or items to write")
		}
		return nil
	})
}

func (s *Server) handleTrendsWrite(w http.ResponseWriter, r *http.Request) {
	s.handleWrite(w, r, func(req *types.WriteRequest) error {
		if len(req.Samples) > 0 {
			return fmt.Errorf("samples belong on /api/v1/history/write")
		}
		if len(req.Trends) == 0 {
			return fmt.Errorf("no trend rows to write")
		}
		return nil
	})
}

// handleWrite decodes a write request, checks it with accept and stores it
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, accept func(*types.WriteRequest) error) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.writer == nil {
		writeError(w, http.StatusServiceUnavailable, "writes are disabled")
		return
	}

	var req types.WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	if err := accept(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.writer.Write(r.Context(), &req); err != nil {
		s.requestLogger(r).Error("write failed", "samples", len(req.Samples), "trends", len(req.Trends), "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Write failed: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"samples": len(req.Samples),
		"trends":  len(req.Trends),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
