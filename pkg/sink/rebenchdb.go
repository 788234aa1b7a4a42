// Package sink delivers submissions to a ReBenchDB server.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/models"
)

const (
	// DefaultBaseURL is where a locally running ReBenchDB listens.
	DefaultBaseURL = "http://localhost:33333"

	resultsPath    = "/rebenchdb/results"
	defaultTimeout = 60 * time.Second
)

// ErrSink is returned when ReBenchDB cannot be reached or rejects a
// submission.
var ErrSink = errors.New("make sure your rebenchDB server is up")

// Client talks to one ReBenchDB instance.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client with its own timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Upload sends one submission.
func (c *Client) Upload(ctx context.Context, data *models.BenchmarkData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to marshal submission")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.BaseURL+resultsPath, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(ErrSink, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrapf(ErrSink, "uploading %s: %v", data.ExperimentName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Wrapf(ErrSink, "ReBenchDB returned %d for %s: %s", resp.StatusCode, data.ExperimentName, strings.TrimSpace(string(body)))
	}
	return nil
}

// Ping checks that the server answers at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/", nil)
	if err != nil {
		return errors.Wrap(ErrSink, err.Error())
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrapf(ErrSink, "reaching %s: %v", c.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.Wrap(ErrSink, fmt.Sprintf("%s returned %d", c.BaseURL, resp.StatusCode))
	}
	return nil
}
