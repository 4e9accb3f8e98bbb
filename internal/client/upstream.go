// Package client provides the upstream HTTP client for the proxied API.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"readonly-proxy-go/internal/config"
	"readonly-proxy-go/internal/metrics"
	"readonly-proxy-go/internal/model"
)

// UpstreamClient sends requests to the upstream API and buffers responses.
type UpstreamClient struct {
	httpClient *http.Client
	timeout    time.Duration
	maxBody    int64
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{Transport: transport},
		timeout:    time.Duration(cfg.Upstream.TimeoutMS) * time.Millisecond,
		maxBody:    cfg.Upstream.MaxBodyBytes,
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Do executes a single request against the upstream under the configured
// deadline and returns the buffered response. The deadline is armed when the
// request is dispatched and released on every exit path; it covers both the
// response headers and the full body read. A deadline hit surfaces as
// context.DeadlineExceeded inside the returned error chain.
func (c *UpstreamClient) Do(ctx context.Context, method, url string, header http.Header) (*model.ProxyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	c.logger.Debug("upstream request",
		"method", method,
		"url", req.URL.Redacted(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	methodLabel := metrics.NormalizeMethod(method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(methodLabel).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Read one byte past the limit so an oversize body is an error, not a
	// silent truncation relayed as success.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("upstream body exceeds %d byte limit", c.maxBody)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(methodLabel).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(methodLabel, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
