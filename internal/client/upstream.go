// Package client provides the HTTP client used to reach the upstream origin.
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

	"html-rewrite-proxy/internal/config"
	"html-rewrite-proxy/internal/metrics"
	"html-rewrite-proxy/internal/model"
)

// Outbound describes a single upstream request.
type Outbound struct {
	Method string
	URL    string
	Host   string
	Header http.Header

	// Body is sent with exactly ContentLength bytes; -1 means unknown
	// (chunked). A nil Body or zero ContentLength sends no body at all.
	Body          io.Reader
	ContentLength int64
}

// UpstreamClient sends requests to the upstream origin.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and
// timeouts. Connect and response-header waits are bounded by
// upstream.timeout_seconds; body streaming is bounded only by the inbound
// request context so long responses are not cut off.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second

	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		// Bodies are relayed with their original Content-Encoding.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are relayed to the client, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and returns as soon as
// response headers arrive. The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
		"content_length", req.ContentLength,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream builds and executes an upstream request. The provided context
// controls the lifetime of the whole exchange: when it is canceled (e.g. the
// client disconnects), the upstream request and body read are canceled too.
func (c *UpstreamClient) DoStream(ctx context.Context, out *Outbound) (*model.UpstreamResponse, error) {
	body := out.Body
	if out.ContentLength == 0 {
		body = nil
	}

	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != nil {
		req.ContentLength = out.ContentLength
	}
	if out.Header != nil {
		req.Header = out.Header
	}
	if out.Host != "" {
		req.Host = out.Host
	}

	return c.Do(req)
}
