// Package reporting ships accuracy records to downstream consumers in batches.
package reporting

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/pickup-eta/internal/config"
	"github.com/yourorg/pickup-eta/internal/model"
	"github.com/yourorg/pickup-eta/internal/telemetry"
)

// exportTimeout bounds one export round across all sinks.
const exportTimeout = 30 * time.Second

// Sink is one export destination.
type Sink interface {
	Name() string
	Export(ctx context.Context, records []model.AccuracyRecord) error
}

// Exporter batches accuracy records and exports them periodically, or as soon
// as a batch fills up.
type Exporter struct {
	config  config.ExportConfig
	sinks   []Sink
	metrics *telemetry.Metrics

	mutex      sync.RWMutex
	batch      []model.AccuracyRecord
	lastExport time.Time
	lastErrors map[string]string
	exportMu   sync.Mutex

	exportContext context.Context
	exportCancel  context.CancelFunc
	wg            sync.WaitGroup
}

// NewExporter creates an exporter and starts its periodic export loop when enabled.
func NewExporter(cfg config.ExportConfig, sinks ...Sink) *Exporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = time.Minute
	}

	e := &Exporter{
		config:     cfg,
		sinks:      sinks,
		batch:      make([]model.AccuracyRecord, 0, cfg.BatchSize),
		lastErrors: make(map[string]string),
	}
	if !cfg.Enabled {
		return e
	}

	e.exportContext, e.exportCancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.periodicExport()

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	logrus.WithFields(logrus.Fields{
		"sinks":      names,
		"batch_size": cfg.BatchSize,
		"interval":   cfg.ExportInterval.String(),
	}).Info("Accuracy exporter initialized")
	return e
}

func (e *Exporter) WithMetrics(m *telemetry.Metrics) *Exporter {
	e.metrics = m
	return e
}

// Add queues a record for export.
func (e *Exporter) Add(rec model.AccuracyRecord) {
	if !e.config.Enabled {
		return
	}

	e.mutex.Lock()
	e.batch = append(e.batch, rec)
	full := len(e.batch) >= e.config.BatchSize
	e.mutex.Unlock()

	if full {
		go e.Flush(e.exportContext)
	}
}

func (e *Exporter) periodicExport() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.ExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Flush(e.exportContext)
		case <-e.exportContext.Done():
			return
		}
	}
}

// Flush exports the current batch to every sink in parallel. It returns the
// number of records handed to the sinks.
func (e *Exporter) Flush(ctx context.Context) int {
	e.exportMu.Lock()
	defer e.exportMu.Unlock()

	e.mutex.Lock()
	if len(e.batch) == 0 {
		e.mutex.Unlock()
		return 0
	}
	records := make([]model.AccuracyRecord, len(e.batch))
	copy(records, e.batch)
	e.batch = make([]model.AccuracyRecord, 0, e.config.BatchSize)
	e.lastExport = time.Now()
	e.mutex.Unlock()

	if ctx == nil || ctx.Err() != nil {
		// stopping: export with a fresh budget
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, exportTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range e.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			err := s.Export(ctx, records)

			status := "ok"
			e.mutex.Lock()
			if err != nil {
				status = "error"
				e.lastErrors[s.Name()] = err.Error()
			} else {
				delete(e.lastErrors, s.Name())
			}
			e.mutex.Unlock()

			e.metrics.Exported(s.Name(), status, len(records))
			if err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"sink":    s.Name(),
					"records": len(records),
				}).Error("Failed to export accuracy records")
			}
		}(s)
	}
	wg.Wait()

	logrus.Debugf("Exported %d accuracy records to %d sinks", len(records), len(e.sinks))
	return len(records)
}

// Stop ends the periodic loop and exports whatever is still queued.
func (e *Exporter) Stop() {
	if e.exportCancel != nil {
		e.exportCancel()
	}
	e.wg.Wait()
	e.Flush(context.Background())

	for _, s := range e.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				logrus.WithError(err).WithField("sink", s.Name()).Warn("Failed to close export sink")
			}
		}
	}
}

// Status returns the current state of the exporter.
func (e *Exporter) Status() map[string]interface{} {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	names := make([]string, 0, len(e.sinks))
	for _, s := range e.sinks {
		names = append(names, s.Name())
	}
	status := map[string]interface{}{
		"enabled":         e.config.Enabled,
		"batch_size":      e.config.BatchSize,
		"export_interval": e.config.ExportInterval.String(),
		"current_batch":   len(e.batch),
		"sinks":           names,
	}

	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.Format(time.RFC3339)
		status["next_export_in"] = (e.config.ExportInterval - time.Since(e.lastExport)).String()
	}
	if len(e.lastErrors) > 0 {
		errs := make(map[string]string, len(e.lastErrors))
		for k, v := range e.lastErrors {
			errs[k] = v
		}
		status["last_errors"] = errs
	}

	return status
}
