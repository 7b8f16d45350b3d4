package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourorg/pickup-eta/internal/accuracy"
	"github.com/yourorg/pickup-eta/internal/fetch"
	"github.com/yourorg/pickup-eta/internal/model"
	"github.com/yourorg/pickup-eta/internal/service"
	"github.com/yourorg/pickup-eta/internal/validation"
)

// routes registers every endpoint on a new mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST /predictions/quick", s.handleQuick)
	s.handle(mux, "POST /predictions/batch", s.handleBatch)
	s.handle(mux, "POST /predictions/detailed", s.handleDetailed)
	s.handle(mux, "POST /predictions/aggregated", s.handleAggregated)
	s.handle(mux, "POST /predictions/{id}/accuracy", s.handleReportAccuracy)
	s.handle(mux, "GET /predictions/history", s.handleHistory)

	s.handle(mux, "GET /vendors/{id}/accuracy", s.handleVendorAccuracy)
	s.handle(mux, "GET /vendors/{id}/load", s.handleVendorLoad)
	s.handle(mux, "POST /vendors/{id}/subscription", s.handleSubscribe)
	s.handle(mux, "DELETE /vendors/{id}/subscription", s.handleUnsubscribe)
	s.handle(mux, "DELETE /vendors/{id}/cache", s.handleClearCache)
	s.handle(mux, "GET /models/{name}/metrics", s.handleModelMetrics)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /circuit", s.handleCircuitStatus)
	mux.HandleFunc("POST /circuit", s.handleCircuitStatus)

	return mux
}

// handle wraps an API endpoint with rate limiting and request metrics.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if s.rateLimit != nil && !s.rateLimit.Allow() {
			errorResponse(rec, http.StatusTooManyRequests, "Rate limit exceeded")
		} else {
			h(rec, r)
		}
		s.metrics.HTTPRequest(pattern, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

type quickRequest struct {
	VendorID string `json:"vendorId"`
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

func (s *Server) handleQuick(w http.ResponseWriter, r *http.Request) {
	var req quickRequest
	if err := decodeJSON(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.VendorID == "" || req.ItemID == "" {
		errorResponse(w, http.StatusBadRequest, "vendorId and itemId are required")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.GetQuickPrediction(r.Context(), req.VendorID, req.ItemID, req.Quantity))
}

type batchRequest struct {
	VendorID string   `json:"vendorId"`
	ItemIDs  []string `json:"itemIds"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.VendorID == "" || len(req.ItemIDs) == 0 {
		errorResponse(w, http.StatusBadRequest, "vendorId and itemIds are required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"vendorId":    req.VendorID,
		"predictions": s.svc.GetBatchPredictions(r.Context(), req.VendorID, req.ItemIDs),
	})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	var order model.OrderData
	if err := decodeJSON(r, &order); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.svc.GetDetailedPrediction(r.Context(), order)
	if err != nil {
		body := errorBody{StatusCode: http.StatusInternalServerError, Error: err.Error()}
		var field *validation.FieldError
		if errors.Is(err, fetch.ErrInvalidOrder) {
			body.StatusCode = http.StatusBadRequest
		}
		if errors.As(err, &field) {
			body.Field = field.Field
		}
		writeError(w, body)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type aggregatedRequest struct {
	VendorID string                   `json:"vendorId"`
	Items    []model.MenuItemFeatures `json:"items"`
}

func (s *Server) handleAggregated(w http.ResponseWriter, r *http.Request) {
	var req aggregatedRequest
	if err := decodeJSON(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.VendorID == "" {
		errorResponse(w, http.StatusBadRequest, "vendorId is required")
		return
	}
	items := validation.FilterInvalid(req.Items)
	if r.URL.Query().Get("cached") == "true" {
		writeJSON(w, http.StatusOK, s.svc.AggregateKnown(req.VendorID, items))
		return
	}
	writeJSON(w, http.StatusOK, s.svc.GetAggregatedPrediction(r.Context(), req.VendorID, items))
}

type accuracyReport struct {
	ActualMinutes *float64 `json:"actualMinutes"`
}

func (s *Server) handleReportAccuracy(w http.ResponseWriter, r *http.Request) {
	var req accuracyReport
	if err := decodeJSON(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ActualMinutes == nil {
		errorResponse(w, http.StatusBadRequest, "actualMinutes is required")
		return
	}

	rec, err := s.svc.ReportAccuracy(r.Context(), r.PathValue("id"), *req.ActualMinutes)
	switch {
	case errors.Is(err, accuracy.ErrUnknownPrediction):
		errorResponse(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, accuracy.ErrInvalidActual):
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"record": rec,
		"rating": accuracy.Classify(rec.AbsoluteErrorMinutes),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.svc.History(limit))
}

func (s *Server) handleVendorAccuracy(w http.ResponseWriter, r *http.Request) {
	vendorID := r.PathValue("id")
	local := s.svc.AccuracyMetrics(vendorID)

	resp := map[string]interface{}{
		"vendorId": vendorID,
		"remote":   s.svc.GetPredictionAccuracy(r.Context(), vendorID, r.URL.Query().Get("range")),
		"local":    local,
	}
	if local.TotalReports > 0 {
		resp["rating"] = accuracy.Classify(local.AverageError)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVendorLoad(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetVendorLoad(r.Context(), r.PathValue("id")))
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.subscription(w, r.PathValue("id"), s.svc.SubscribeToVendor, "subscribed")
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.subscription(w, r.PathValue("id"), s.svc.UnsubscribeFromVendor, "unsubscribed")
}

func (s *Server) subscription(w http.ResponseWriter, vendorID string, fn func(string) error, done string) {
	if err := fn(vendorID); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, service.ErrLiveDisabled) {
			status = http.StatusServiceUnavailable
		}
		errorResponse(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vendorId": vendorID, "status": done})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	vendorID := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"vendorId": vendorID,
		"removed":  s.svc.ClearVendorCache(vendorID),
	})
}

func (s *Server) handleModelMetrics(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reported": s.svc.GetModelMetrics(name),
		"local":    s.tracker.ModelMetrics(name),
	})
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": version,
		"vendors": len(s.catalog.Vendors()),
		"engine":  s.svc.Status(),
		"export":  s.exporter.Status(),
		"configuration": map[string]interface{}{
			"circuit_breaker":  s.config.EnableCircuitBreaker,
			"quick_timeout":    s.config.QuickTimeout.String(),
			"detailed_timeout": s.config.DetailedTimeout.String(),
			"min_confidence":   s.config.MinConfidence,
		},
	}

	// Add circuit breaker state if enabled
	if s.breaker != nil {
		status["circuit_state"] = s.breaker.GetState().String()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleCircuitStatus allows viewing and controlling the circuit breaker
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Circuit breaker not enabled")
		return
	}

	response := map[string]interface{}{}

	// Allow reset operation via POST
	if r.Method == http.MethodPost {
		if action := r.URL.Query().Get("action"); action != "reset" {
			errorResponse(w, http.StatusBadRequest, "unknown action "+strconv.Quote(action))
			return
		}
		s.breaker.Reset()
		response["message"] = "Circuit breaker reset"
	}

	response["breaker"] = s.breaker.Status()
	writeJSON(w, http.StatusOK, response)
}
