package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/pickup-eta/internal/model"
	"github.com/yourorg/pickup-eta/internal/otel"
)

// VendorClient talks to the vendor API for load snapshots and accuracy data.
type VendorClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
}

// NewVendorClient creates a client for the vendor API.
func NewVendorClient(baseURL, apiKey string, timeout time.Duration) *VendorClient {
	return &VendorClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: StandardClient(newRetryClient(2)),
		timeout:    timeout,
	}
}

// Load fetches the current load of a vendor.
func (c *VendorClient) Load(ctx context.Context, vendorID string) (model.VendorLoad, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := otel.Tracer().Start(ctx, "fetch.VendorLoad")
	defer span.End()

	var load model.VendorLoad
	endpoint := fmt.Sprintf("%s/vendors/%s/load", c.baseURL, url.PathEscape(vendorID))
	if err := doJSON(ctx, c.httpClient, http.MethodGet, endpoint, c.apiKey, nil, &load); err != nil {
		otel.RecordError(ctx, err)
		return model.VendorLoad{}, fmt.Errorf("error fetching load for vendor %s: %w", vendorID, err)
	}
	load.VendorID = vendorID
	if load.UpdatedAt.IsZero() {
		load.UpdatedAt = time.Now()
	}
	return load, nil
}

// Accuracy fetches the backend's accuracy summary for a vendor.
func (c *VendorClient) Accuracy(ctx context.Context, vendorID, timeRange string) (model.AccuracySummary, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var summary model.AccuracySummary
	endpoint := fmt.Sprintf("%s/vendors/%s/prediction-accuracy?range=%s",
		c.baseURL, url.PathEscape(vendorID), url.QueryEscape(timeRange))
	if err := doJSON(ctx, c.httpClient, http.MethodGet, endpoint, c.apiKey, nil, &summary); err != nil {
		return model.AccuracySummary{}, fmt.Errorf("error fetching accuracy for vendor %s: %w", vendorID, err)
	}
	summary.VendorID = vendorID
	summary.Range = timeRange
	if summary.ErrorDistribution == nil {
		summary.ErrorDistribution = map[string]float64{}
	}
	return summary, nil
}

// SubmitAccuracy posts reported records to the backend write path.
func (c *VendorClient) SubmitAccuracy(ctx context.Context, vendorID string, records []model.AccuracyRecord) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := struct {
		Records    []model.AccuracyRecord `json:"records"`
		ExportTime string                 `json:"exportTime"`
		Count      int                    `json:"count"`
	}{
		Records:    records,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(records),
	}
	endpoint := fmt.Sprintf("%s/vendors/%s/prediction-accuracy", c.baseURL, url.PathEscape(vendorID))
	if err := doJSON(ctx, c.httpClient, http.MethodPost, endpoint, c.apiKey, body, nil); err != nil {
		return fmt.Errorf("error submitting accuracy for vendor %s: %w", vendorID, err)
	}
	logrus.WithFields(logrus.Fields{
		"vendor_id": vendorID,
		"records":   len(records),
	}).Debug("Submitted accuracy records")
	return nil
}
