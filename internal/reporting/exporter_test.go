package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/pickup-eta/internal/config"
	"github.com/yourorg/pickup-eta/internal/fetch"
	"github.com/yourorg/pickup-eta/internal/model"
)

type fakeSink struct {
	name string
	err  error

	mu      sync.Mutex
	batches [][]model.AccuracyRecord
	closed  bool
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Export(_ context.Context, records []model.AccuracyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, records)
	return s.err
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func rec(vendorID string, e float64) model.AccuracyRecord {
	return model.AccuracyRecord{VendorID: vendorID, Model: "xgb", PredictedMinutes: 10, ActualMinutes: 10 + e, AbsoluteErrorMinutes: e}
}

func TestExporter_DisabledDropsRecords(t *testing.T) {
	sink := &fakeSink{name: "fake"}
	e := NewExporter(config.ExportConfig{Enabled: false}, sink)

	e.Add(rec("VEN001", 1))
	assert.Equal(t, 0, e.Flush(context.Background()))
	assert.Equal(t, 0, sink.total())
	e.Stop()
}

func TestExporter_ExportsWhenBatchFills(t *testing.T) {
	sink := &fakeSink{name: "fake"}
	e := NewExporter(config.ExportConfig{Enabled: true, BatchSize: 2, ExportInterval: time.Hour}, sink)
	defer e.Stop()

	e.Add(rec("VEN001", 1))
	assert.Equal(t, 1, e.Status()["current_batch"])

	e.Add(rec("VEN002", 2))
	require.Eventually(t, func() bool { return sink.total() == 2 }, time.Second, 10*time.Millisecond)
}

func TestExporter_PeriodicExport(t *testing.T) {
	sink := &fakeSink{name: "fake"}
	e := NewExporter(config.ExportConfig{Enabled: true, BatchSize: 100, ExportInterval: 20 * time.Millisecond}, sink)
	defer e.Stop()

	e.Add(rec("VEN001", 1))
	require.Eventually(t, func() bool { return sink.total() == 1 }, time.Second, 10*time.Millisecond)

	status := e.Status()
	assert.Contains(t, status, "last_export")
	assert.Equal(t, 0, status["current_batch"])
}

func TestExporter_StopFlushesAndCloses(t *testing.T) {
	ok := &fakeSink{name: "ok"}
	bad := &fakeSink{name: "bad", err: errors.New("boom")}
	e := NewExporter(config.ExportConfig{Enabled: true, BatchSize: 100, ExportInterval: time.Hour}, ok, bad)

	e.Add(rec("VEN001", 1))
	e.Add(rec("VEN001", 3))
	e.Stop()

	assert.Equal(t, 2, ok.total())
	assert.Equal(t, 2, bad.total(), "a failing sink does not block the others")
	assert.True(t, ok.closed)

	errs, _ := e.Status()["last_errors"].(map[string]string)
	assert.Equal(t, "boom", errs["bad"])
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls map[string]int
	fail  string
}

func (f *fakeSubmitter) SubmitAccuracy(_ context.Context, vendorID string, records []model.AccuracyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[vendorID] += len(records)
	if vendorID == f.fail {
		return errors.New("rejected")
	}
	return nil
}

func TestBackendSink_GroupsByVendor(t *testing.T) {
	sub := &fakeSubmitter{fail: "VEN002"}
	s := NewBackendSink(sub)

	err := s.Export(context.Background(), []model.AccuracyRecord{rec("VEN001", 1), rec("VEN002", 2), rec("VEN001", 3)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VEN002")
	assert.Equal(t, map[string]int{"VEN001": 2, "VEN002": 1}, sub.calls)
}

func TestBackendSink_PostsToWritePath(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Records []model.AccuracyRecord `json:"records"`
			Count   int                    `json:"count"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, len(body.Records), body.Count)

		mu.Lock()
		seen[r.URL.Path] += body.Count
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	s := NewBackendSink(fetch.NewVendorClient(server.URL, "", time.Second))
	require.NoError(t, s.Export(context.Background(), []model.AccuracyRecord{rec("VEN001", 1), rec("VEN001", 2)}))
	assert.Equal(t, map[string]int{"/vendors/VEN001/prediction-accuracy": 2}, seen)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	s := &KafkaSink{writer: w, topic: "prediction-accuracy"}

	require.NoError(t, s.Export(context.Background(), []model.AccuracyRecord{rec("VEN001", 1), rec("VEN002", 4)}))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "VEN002", string(w.msgs[1].Key))

	var decoded model.AccuracyRecord
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &decoded))
	assert.Equal(t, 4.0, decoded.AbsoluteErrorMinutes)

	w.err = errors.New("leader not available")
	err := s.Export(context.Background(), []model.AccuracyRecord{rec("VEN001", 1)})
	assert.ErrorContains(t, err, "prediction-accuracy")

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaSink_RequiresBrokersAndTopic(t *testing.T) {
	_, err := NewKafkaSink(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafkaSink([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	s, err := NewKafkaSink([]string{"localhost:9092"}, "prediction-accuracy")
	require.NoError(t, err)
	assert.Equal(t, "kafka", s.Name())
	assert.NoError(t, s.Close())
}
