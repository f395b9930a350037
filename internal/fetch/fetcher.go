// Package fetch pulls URLs from the frontier, retrieves them over a
// shared HTTP client, and routes the results: HTML bodies to the fetch
// queue for parsing, everything else straight to the visited store.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/roverhq/rover/internal/metrics"
)

// maxResponseBodyBytes limits the size of fetched page responses. Larger
// bodies are truncated, not rejected.
const maxResponseBodyBytes = 10 * 1024 * 1024 // 10 MiB

// Result is the outcome of one page fetch. URL is the final URL after
// redirects.
type Result struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Headers     http.Header
	IsRedirect  bool
}

// IsHTML reports whether the response declared an HTML content type.
func (r *Result) IsHTML() bool {
	mediaType, _, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(r.ContentType))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// IsErrorStatus reports whether the final status code is an HTTP error.
func (r *Result) IsErrorStatus() bool {
	return r.StatusCode >= http.StatusBadRequest
}

// HeadersJSON renders selected response headers for the visited record.
func (r *Result) HeadersJSON() string {
	if len(r.Headers) == 0 {
		return ""
	}
	payload, err := json.Marshal(r.Headers)
	if err != nil {
		return ""
	}
	return string(payload)
}

// Fetcher performs single page fetches over the shared client.
type Fetcher struct {
	client    *http.Client
	userAgent string
	metrics   *metrics.Metrics
}

// NewFetcher creates a fetcher. The client should come from NewHTTPClient
// so redirect and connection bounds apply.
func NewFetcher(client *http.Client, userAgent string, m *metrics.Metrics) *Fetcher {
	return &Fetcher{client: client, userAgent: userAgent, metrics: m}
}

// Fetch retrieves a URL, following redirects up to the client's cap and
// truncating the body at the size limit. Transport failures return an
// error; HTTP error statuses return a Result.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if reqErr != nil {
		return nil, fmt.Errorf("failed to create request: %w", reqErr)
	}
	req.Header.Set("User-Agent", f.userAgent)

	f.metrics.RecordFetchStarted()
	start := time.Now()

	resp, doErr := f.client.Do(req)
	if doErr != nil {
		f.metrics.RecordFetchFinished()
		f.metrics.RecordFetch(metrics.FetchStatusError, time.Since(start).Seconds(), 0)
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, doErr)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	f.metrics.RecordFetchFinished()
	if readErr != nil {
		f.metrics.RecordFetch(metrics.FetchStatusError, time.Since(start).Seconds(), int64(len(body)))
		return nil, fmt.Errorf("failed to read response body: %w", readErr)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	f.metrics.RecordFetch(strconv.Itoa(resp.StatusCode), time.Since(start).Seconds(), int64(len(body)))

	return &Result{
		URL:         finalURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Headers:     resp.Header,
		IsRedirect:  finalURL != rawURL,
	}, nil
}
