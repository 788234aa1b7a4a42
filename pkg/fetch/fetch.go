// Package fetch downloads critcmp reports from the object store.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/report"
)

const (
	// DefaultBaseURL is the bucket the benchmark CI publishes reports to.
	DefaultBaseURL = "https://milli-benchmarks.fra1.digitaloceanspaces.com/critcmp_results"

	defaultTimeout = 30 * time.Second
	maxReportSize  = 64 << 20
)

// ErrFetch is returned when a report cannot be downloaded or is not JSON.
var ErrFetch = errors.New("fetch failed")

type fetchError struct {
	filename string
	err      error
}

func (e *fetchError) Error() string {
	return fmt.Sprintf("%s: fetching %s: %v", ErrFetch, e.filename, e.err)
}

func (e *fetchError) Unwrap() error { return e.err }

func (e *fetchError) Is(target error) bool { return target == ErrFetch }

// Client downloads reports by filename relative to BaseURL.
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

// URL returns the location of filename in the object store.
func (c *Client) URL(filename string) string {
	escaped := (&url.URL{Path: strings.TrimPrefix(filename, "/")}).EscapedPath()
	return c.BaseURL + "/" + escaped
}

// Fetch downloads and decodes one report. Transport failures, non-2xx
// statuses and invalid JSON are reported as ErrFetch; a document that is JSON
// but lacks the expected shape keeps the report package's error.
func (c *Client) Fetch(ctx context.Context, filename string) (*report.Report, error) {
	body, err := c.download(ctx, filename)
	if err != nil {
		return nil, &fetchError{filename: filename, err: err}
	}

	r, err := report.Parse(body)
	if err != nil {
		if errors.Is(err, report.ErrMalformedReport) {
			return nil, &fetchError{filename: filename, err: err}
		}
		return nil, errors.Wrapf(err, "decoding %s", filename)
	}
	log.WithField("filename", filename).Debugf("Fetched report %s with %d benchmarks", r.Name, len(r.Benchmarks))
	return r, nil
}

func (c *Client) download(ctx context.Context, filename string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(filename), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "HTTP error")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Errorf("object store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxReportSize))
}
