// Package main is the entry point for the pickup-eta prediction service: quick
// and checkout-time wait predictions with a live-updated cache and accuracy
// reporting.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/pickup-eta/internal/accuracy"
	"github.com/yourorg/pickup-eta/internal/cache"
	"github.com/yourorg/pickup-eta/internal/catalog"
	"github.com/yourorg/pickup-eta/internal/circuitbreaker"
	"github.com/yourorg/pickup-eta/internal/config"
	"github.com/yourorg/pickup-eta/internal/fallback"
	"github.com/yourorg/pickup-eta/internal/fetch"
	"github.com/yourorg/pickup-eta/internal/live"
	"github.com/yourorg/pickup-eta/internal/otel"
	"github.com/yourorg/pickup-eta/internal/reporting"
	"github.com/yourorg/pickup-eta/internal/service"
	"github.com/yourorg/pickup-eta/internal/storage"
	"github.com/yourorg/pickup-eta/internal/storage/sqlite"
	"github.com/yourorg/pickup-eta/internal/telemetry"
	"github.com/yourorg/pickup-eta/internal/validation"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

const version = "1.0.0"

// Server represents the prediction service instance
type Server struct {
	config config.Config

	// HTTP server instance
	server *http.Server

	svc      *service.PredictionService
	cache    *cache.PredictionCache
	catalog  *catalog.Static
	tracker  *accuracy.Tracker
	store    storage.Store
	exporter *reporting.Exporter
	channel  *live.Channel

	// Circuit breaker around the ML backend
	breaker *circuitbreaker.CircuitBreaker

	registry  *prometheus.Registry
	metrics   *telemetry.Metrics
	rateLimit *rate.Limiter
}

// main is the entry point for the application
func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("Failed to load .env file")
	}

	// Configure logging
	setupLogging()

	cfg := config.Load()

	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	server, err := NewServer(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize server")
	}
	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	// Set log formatter based on environment
	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	// Set log level based on environment
	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// NewServer wires the prediction engine from configuration.
func NewServer(cfg config.Config) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	metrics := telemetry.New(registry)

	menu := catalog.NewStatic()
	if cfg.CatalogPath != "" {
		loaded, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		menu = loaded
	} else {
		logrus.Warn("No menu catalog configured, every item will use fallback estimates")
	}

	var store storage.Store = storage.NewMemoryStore()
	if cfg.AccuracyDBPath != "" {
		s, err := sqlite.New(cfg.AccuracyDBPath)
		if err != nil {
			return nil, err
		}
		store = s
	}

	// Create circuit breaker if enabled
	var breaker *circuitbreaker.CircuitBreaker
	if cfg.EnableCircuitBreaker {
		breaker = circuitbreaker.New(circuitbreaker.Thresholds{FailureThreshold: cfg.FailureThreshold}).
			WithResetDelay(cfg.CircuitResetDelay).
			WithTripCallback(func(reason string) {
				logrus.Warnf("Circuit breaker tripped: %s", reason)
			}).
			WithStateChange(func(s circuitbreaker.State) {
				metrics.BreakerState(int(s))
			})
	}

	est := fallback.New(nil)
	opts := fetch.Options{
		BaseURL:         cfg.MLBaseURL,
		APIKey:          cfg.APIKey,
		QuickTimeout:    cfg.QuickTimeout,
		DetailedTimeout: cfg.DetailedTimeout,
		DetailedRetries: cfg.DetailedRetries,
		MinConfidence:   cfg.MinConfidence,
		RPS:             cfg.BackendRPS,
		Burst:           cfg.BackendBurst,
		Validation:      validation.DefaultValidationOptions(),
	}
	client := fetch.NewPredictionClient(opts, menu, est).WithMetrics(metrics)
	if breaker != nil {
		client.WithBreaker(breaker)
	}
	vendors := fetch.NewVendorClient(cfg.VendorBaseURL, cfg.APIKey, cfg.QuickTimeout)

	var sinks []reporting.Sink
	if cfg.Export.BackendEnabled {
		sinks = append(sinks, reporting.NewBackendSink(vendors))
	}
	if cfg.Export.KafkaEnabled {
		k, err := reporting.NewKafkaSink(cfg.Export.KafkaBrokers, cfg.Export.KafkaTopic)
		if err != nil {
			logrus.Warnf("Failed to initialize Kafka export: %v", err)
		} else {
			sinks = append(sinks, k)
		}
	}
	exporter := reporting.NewExporter(cfg.Export, sinks...).WithMetrics(metrics)

	tracker := accuracy.NewTracker(store).WithMetrics(metrics)
	if cfg.Export.Enabled {
		tracker.WithSink(exporter)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	restored, err := tracker.Restore(ctx)
	cancel()
	if err != nil {
		return nil, err
	}

	predictionCache := cache.New(nil)
	svc := service.New(client, est, predictionCache, tracker, service.Options{
		QuickTTL:           cfg.QuickTTL,
		BatchTTL:           cfg.BatchTTL,
		SpikeWarningWindow: cfg.SpikeWarningWindow,
	}).WithVendorAPI(vendors).WithMenus(menu).WithMetrics(metrics)

	var channel *live.Channel
	if cfg.LiveURL != "" {
		liveOpts := live.DefaultOptions(cfg.LiveURL)
		if cfg.APIKey != "" {
			liveOpts.Header = http.Header{"Authorization": []string{"Bearer " + cfg.APIKey}}
		}
		channel = live.New(liveOpts, svc).WithMetrics(metrics)
		svc.WithLive(channel)
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
		logrus.Infof("Rate limiting initialized: %v req/s, burst: %d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	logrus.WithFields(logrus.Fields{
		"port":              cfg.Port,
		"ml_url":            cfg.MLBaseURL,
		"vendor_url":        cfg.VendorBaseURL,
		"live":              cfg.LiveURL != "",
		"circuit_breaker":   cfg.EnableCircuitBreaker,
		"vendors":           len(menu.Vendors()),
		"restored_reports":  restored,
		"accuracy_export":   cfg.Export.Enabled,
		"accuracy_store_db": cfg.AccuracyDBPath != "",
	}).Info("Server initialized")

	return &Server{
		config:    cfg,
		svc:       svc,
		cache:     predictionCache,
		catalog:   menu,
		tracker:   tracker,
		store:     store,
		exporter:  exporter,
		channel:   channel,
		breaker:   breaker,
		registry:  registry,
		metrics:   metrics,
		rateLimit: limiter,
	}, nil
}

// Start runs background workers and the HTTP server until SIGINT/SIGTERM.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.cache.StartJanitor(ctx, s.config.SweepInterval)
	go s.drainAlerts(ctx)

	if s.channel != nil {
		go func() {
			if err := s.channel.Run(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("Live channel stopped")
			}
		}()
		for _, v := range s.catalog.Vendors() {
			_ = s.svc.SubscribeToVendor(v)
		}
	}

	go func() {
		if err := s.svc.Warm(ctx, s.menus()); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Warn("Cache warm-up incomplete")
		}
	}()

	// Configure server with timeouts
	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start the server in a goroutine
	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	cancel()

	s.exporter.Stop()
	if err := s.store.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close accuracy store")
	}

	logrus.Info("Server stopped")
}

// menus lists every catalog item per vendor for warm-up.
func (s *Server) menus() map[string][]string {
	out := make(map[string][]string)
	for _, v := range s.catalog.Vendors() {
		items := s.catalog.Items(v)
		ids := make([]string, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ItemID)
		}
		out[v] = ids
	}
	return out
}

// drainAlerts logs service alerts until ctx ends.
func (s *Server) drainAlerts(ctx context.Context) {
	for {
		select {
		case a := <-s.svc.Alerts():
			logrus.WithFields(logrus.Fields{
				"kind":      a.Kind,
				"vendor_id": a.VendorID,
				"item_id":   a.ItemID,
				"intensity": a.Intensity,
			}).Warn(a.Message)
		case <-ctx.Done():
			return
		}
	}
}
