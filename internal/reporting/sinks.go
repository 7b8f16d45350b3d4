package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/yourorg/pickup-eta/internal/model"
)

// Submitter writes accuracy records for one vendor to the backend.
type Submitter interface {
	SubmitAccuracy(ctx context.Context, vendorID string, records []model.AccuracyRecord) error
}

// BackendSink posts records to the vendor accuracy write path, one request per vendor.
type BackendSink struct {
	client Submitter
}

func NewBackendSink(client Submitter) *BackendSink {
	return &BackendSink{client: client}
}

func (s *BackendSink) Name() string { return "backend" }

func (s *BackendSink) Export(ctx context.Context, records []model.AccuracyRecord) error {
	var (
		order    []string
		byVendor = make(map[string][]model.AccuracyRecord)
	)
	for _, r := range records {
		if _, ok := byVendor[r.VendorID]; !ok {
			order = append(order, r.VendorID)
		}
		byVendor[r.VendorID] = append(byVendor[r.VendorID], r)
	}

	var errs []error
	for _, vendorID := range order {
		if err := s.client.SubmitAccuracy(ctx, vendorID, byVendor[vendorID]); err != nil {
			errs = append(errs, fmt.Errorf("vendor %s: %w", vendorID, err))
		}
	}
	return errors.Join(errs...)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes one message per record, keyed by vendor.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka not configured: no brokers")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka not configured: no topic")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{writer: w, topic: topic}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Export(ctx context.Context, records []model.AccuracyRecord) error {
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal accuracy record: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.VendorID),
			Value: b,
			Headers: []kafka.Header{
				{Key: "model", Value: []byte(r.Model)},
			},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish to kafka topic %s: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
