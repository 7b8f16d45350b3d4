package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/yourorg/pickup-eta/internal/config"
)

const testCatalog = `
vendors:
  - id: VEN001
    items:
      - id: wrap
        name: Chicken Wrap
        base_prep_minutes: 6
        complexity: 2
      - id: latte
        name: Latte
        base_prep_minutes: 3
        complexity: 1
`

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/predict":
			_, _ = w.Write([]byte(`{"estimated_minutes": 11, "confidence": 0.8, "queue_position": 2, "method": "xgb"}`))
		case strings.HasSuffix(r.URL.Path, "/load"):
			_, _ = w.Write([]byte(`{"currentActiveOrders": 5, "queueLength": 3, "capacityUtilization": 0.6, "avgPreparationTime": 8}`))
		case strings.HasSuffix(r.URL.Path, "/prediction-accuracy"):
			_, _ = w.Write([]byte(`{"overallAccuracy": 0.9, "recentAccuracy": 0.92}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(backend.Close)

	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0o600))

	cfg := config.Config{
		Port:                 "0",
		MLBaseURL:            backend.URL,
		VendorBaseURL:        backend.URL,
		CatalogPath:          catalogPath,
		ServiceName:          "pickup-eta-test",
		QuickTimeout:         time.Second,
		DetailedTimeout:      2 * time.Second,
		DetailedRetries:      0,
		QuickTTL:             30 * time.Second,
		BatchTTL:             time.Minute,
		MinConfidence:        0.25,
		SpikeWarningWindow:   10 * time.Minute,
		EnableCircuitBreaker: true,
		FailureThreshold:     5,
		CircuitResetDelay:    30 * time.Second,
		AccuracyDBPath:       filepath.Join(dir, "accuracy.db"),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.store.Close() })
	return s
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, nil).routes()

	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", decode(t, rec)["status"])
}

func TestQuickPrediction(t *testing.T) {
	h := newTestServer(t, nil).routes()

	rec := do(t, h, http.MethodPost, "/predictions/quick", map[string]interface{}{"vendorId": "VEN001", "itemId": "wrap", "quantity": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, 11.0, body["estimatedMinutes"])
	assert.Equal(t, "ml", body["source"])
	assert.NotEmpty(t, body["id"])

	rec = do(t, h, http.MethodPost, "/predictions/quick", map[string]interface{}{"vendorId": "VEN001"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/predictions/quick", map[string]interface{}{"vendorId": "VEN001", "itemId": "wrap", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/predictions/quick", map[string]interface{}{"vendorId": "VEN001", "itemId": "unknown"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["isFallback"])
}

func TestBatchAndAggregated(t *testing.T) {
	h := newTestServer(t, nil).routes()

	rec := do(t, h, http.MethodPost, "/predictions/batch", map[string]interface{}{"vendorId": "VEN001", "itemIds": []string{"wrap", "latte"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preds, ok := decode(t, rec)["predictions"].(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, preds, 2)

	rec = do(t, h, http.MethodPost, "/predictions/aggregated", map[string]interface{}{
		"vendorId": "VEN001",
		"items":    []map[string]interface{}{{"itemId": "wrap", "quantity": 1}, {"itemId": "latte", "quantity": 1}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "aggregated", body["source"])
	assert.LessOrEqual(t, body["confidence"].(float64), 0.9)

	rec = do(t, h, http.MethodPost, "/predictions/aggregated?cached=true", map[string]interface{}{
		"vendorId": "VEN001",
		"items":    []map[string]interface{}{{"itemId": "wrap", "quantity": 1}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "aggregated", decode(t, rec)["source"])
}

func TestDetailedPrediction(t *testing.T) {
	h := newTestServer(t, nil).routes()

	rec := do(t, h, http.MethodPost, "/predictions/detailed", map[string]interface{}{"vendorId": "VEN001", "items": []interface{}{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "items", decode(t, rec)["field"])

	rec = do(t, h, http.MethodPost, "/predictions/detailed", map[string]interface{}{
		"vendorId": "VEN001",
		"items":    []map[string]interface{}{{"itemId": "wrap", "quantity": 0}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "items[0].quantity", decode(t, rec)["field"])

	rec = do(t, h, http.MethodPost, "/predictions/detailed", map[string]interface{}{
		"vendorId": "VEN001",
		"items":    []map[string]interface{}{{"itemId": "wrap", "quantity": 2}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 11.0, decode(t, rec)["estimatedMinutes"])
}

func TestAccuracyReporting(t *testing.T) {
	h := newTestServer(t, nil).routes()

	rec := do(t, h, http.MethodPost, "/predictions/quick", map[string]interface{}{"vendorId": "VEN001", "itemId": "wrap"})
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode(t, rec)["id"].(string)

	rec = do(t, h, http.MethodPost, "/predictions/"+id+"/accuracy", map[string]interface{}{"actualMinutes": 14})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "excellent", decode(t, rec)["rating"])

	rec = do(t, h, http.MethodPost, "/predictions/"+id+"/accuracy", map[string]interface{}{"actualMinutes": 14})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/predictions/x/accuracy", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/vendors/VEN001/accuracy?range=7d", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	local := body["local"].(map[string]interface{})
	assert.Equal(t, 1.0, local["totalReports"])
	assert.Equal(t, 3.0, local["averageError"])
	assert.Equal(t, 0.9, body["remote"].(map[string]interface{})["overallAccuracy"])
}

func TestVendorEndpoints(t *testing.T) {
	h := newTestServer(t, nil).routes()

	rec := do(t, h, http.MethodGet, "/vendors/VEN001/load", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3.0, decode(t, rec)["queueLength"])

	rec = do(t, h, http.MethodPost, "/vendors/VEN001/subscription", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no live channel configured")

	do(t, h, http.MethodPost, "/predictions/quick", map[string]interface{}{"vendorId": "VEN001", "itemId": "wrap"})
	rec = do(t, h, http.MethodDelete, "/vendors/VEN001/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decode(t, rec)["removed"])

	rec = do(t, h, http.MethodGet, "/models/xgb/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["reported"].(map[string]interface{})["isFallback"])

	rec = do(t, h, http.MethodGet, "/predictions/history?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history, 1)
}

func TestCircuitEndpoint(t *testing.T) {
	h := newTestServer(t, nil).routes()

	rec := do(t, h, http.MethodGet, "/circuit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closed", decode(t, rec)["breaker"].(map[string]interface{})["state"])

	rec = do(t, h, http.MethodPost, "/circuit?action=explode", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/circuit?action=reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Circuit breaker reset", decode(t, rec)["message"])

	disabled := newTestServer(t, func(c *config.Config) { c.EnableCircuitBreaker = false }).routes()
	rec = do(t, disabled, http.MethodGet, "/circuit", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusAndMetrics(t *testing.T) {
	h := newTestServer(t, nil).routes()
	do(t, h, http.MethodPost, "/predictions/quick", map[string]interface{}{"vendorId": "VEN001", "itemId": "wrap"})

	rec := do(t, h, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "operational", body["status"])
	assert.Equal(t, "closed", body["circuit_state"])
	assert.Equal(t, 1.0, body["vendors"])

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pickup_eta_http_requests_total")
	assert.Contains(t, rec.Body.String(), "pickup_eta_predictions_total")
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, nil)
	s.rateLimit = rate.NewLimiter(rate.Limit(0.001), 1)
	h := s.routes()

	rec := do(t, h, http.MethodGet, "/vendors/VEN001/load", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/vendors/VEN001/load", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health is not rate limited")
}
