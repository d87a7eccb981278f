package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chosenoffset/seriesmath/pkg/seriesmath"
	"github.com/chosenoffset/seriesmath/pkg/seriesmath/sandbox"
)

const RequestIDHeader = "X-Request-ID"

// Error kinds reported in addition to sandbox.Kind.
const (
	KindRequest   = "request"
	KindTimeout   = "timeout"
	KindCancelled = "cancelled"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type batchRequest struct {
	Panels []seriesmath.PanelRequest `json:"panels"`
}

type batchResult struct {
	PanelID  string              `json:"panel_id"`
	Response seriesmath.Response `json:"response,omitempty"`
	Error    string              `json:"error,omitempty"`
	Kind     string              `json:"kind,omitempty"`
}

type validateRequest struct {
	Script string `json:"script"`
}

type validateResponse struct {
	Valid bool   `json:"valid"`
	Nodes int    `json:"nodes,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

type requestIDKey struct{}

// RequestID returns the request id stored in ctx by the server.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req seriesmath.PanelRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Panel.ID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "panel id is required", Kind: KindRequest})
		return
	}

	ctx := r.Context()
	if timeout := s.processor.Limits().MaxEvaluationTime; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := s.processor.Evaluate(ctx, req.Response, req.Panel)
	if err != nil {
		status, kind := classify(err)
		s.logger.Debug("evaluation failed",
			slog.String("request_id", RequestID(r.Context())),
			slog.String("panel", req.Panel.ID),
			slog.Any("error", err))
		s.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}

	results := s.processor.EvaluatePanels(r.Context(), req.Panels)
	out := make([]batchResult, len(results))
	for i, result := range results {
		out[i] = batchResult{PanelID: result.PanelID, Response: result.Response}
		if result.Err != nil {
			_, kind := classify(result.Err)
			out[i].Error = result.Err.Error()
			out[i].Kind = kind
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !s.decode(w, r, &req) {
		return
	}

	limits := s.processor.Limits()
	program, err := sandbox.Compile(req.Script, sandbox.Limits{
		MaxLength: limits.MaxScriptLength,
		MaxNodes:  limits.MaxScriptComplexity,
	})
	if err != nil {
		s.writeJSON(w, http.StatusOK, validateResponse{Error: err.Error(), Kind: sandbox.Kind(err)})
		return
	}
	s.writeJSON(w, http.StatusOK, validateResponse{Valid: true, Nodes: program.Nodes()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"evaluation": s.processor.Stats().Snapshot(),
		"http":       s.http.GetStats(),
		"clients":    s.ClientCount(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"data":   s.RecentEvents(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// classify maps an evaluation error to its HTTP status and API kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, KindTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, KindCancelled
	}
	return http.StatusUnprocessableEntity, sandbox.Kind(err)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request: " + err.Error(), Kind: KindRequest})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writing response", slog.Any("error", err))
	}
}
