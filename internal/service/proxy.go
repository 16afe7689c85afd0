// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"html-rewrite-proxy/internal/client"
	"html-rewrite-proxy/internal/config"
	"html-rewrite-proxy/internal/hopbyhop"
	"html-rewrite-proxy/internal/model"
	"html-rewrite-proxy/internal/restream"
)

// ErrUpstreamUnreachable is returned when the upstream could not be reached
// or did not answer in time. No response exists in that case.
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService for the configured upstream.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q has no host", cfg.Upstream.BaseURL)
	}

	return &ProxyService{
		client:  c,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// Forward sends a ProxyRequest to the upstream and returns as soon as the
// response headers are available. The caller is responsible for closing the
// response body.
//
// The Host header is rewritten to the upstream host. A body that was consumed
// before forwarding is rebuilt from its parsed form.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawPath, pr.RawQuery, pr.Query)
	header := s.filterRequestHeaders(pr.Header)
	body, length := s.outboundBody(pr)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"restreamed", pr.BodyConsumed,
		"content_length", length,
	)

	resp, err := s.client.DoStream(pr.Ctx, &client.Outbound{
		Method:        pr.Method,
		URL:           upstreamURL,
		Host:          s.baseURL.Host,
		Header:        header,
		Body:          body,
		ContentLength: length,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

// outboundBody picks the body to send upstream and its exact length.
func (s *ProxyService) outboundBody(pr *model.ProxyRequest) (io.Reader, int64) {
	if !pr.BodyConsumed {
		if pr.Body == nil {
			return nil, 0
		}
		return pr.Body, pr.ContentLength
	}

	data, err := restream.Encode(pr.Method, pr.Header.Get("Content-Type"), pr.ParsedBody)
	switch {
	case errors.Is(err, restream.ErrUnsupportedContentType):
		s.logger.Warn("dropping consumed body with unsupported content type",
			"path", pr.Path,
			"content_type", pr.Header.Get("Content-Type"),
		)
		return nil, 0
	case err != nil:
		s.logger.Warn("re-encoding body failed; forwarding empty body",
			"err", err,
			"path", pr.Path,
		)
		return nil, 0
	}
	return bytes.NewReader(data), int64(len(data))
}

// buildUpstreamURL joins the request path onto the base URL. When either side
// carries an escaped form that differs from its decoded path (for example
// %2F), the escaped forms are joined too so the upstream sees the same bytes.
func (s *ProxyService) buildUpstreamURL(path, rawPath, rawQuery string, query url.Values) string {
	u := *s.baseURL
	u.Path = joinPath(s.baseURL.Path, path)
	u.RawPath = ""
	if rawPath != "" || s.baseURL.RawPath != "" {
		escaped := rawPath
		if escaped == "" {
			escaped = (&url.URL{Path: path}).EscapedPath()
		}
		u.RawPath = joinPath(s.baseURL.EscapedPath(), escaped)
	}

	q := rawQuery
	if q == "" && len(query) > 0 {
		q = query.Encode()
	}
	switch {
	case u.RawQuery == "":
		u.RawQuery = q
	case q != "":
		u.RawQuery = u.RawQuery + "&" + q
	}

	return u.String()
}

// joinPath joins the upstream base path and the request path with exactly one slash.
func joinPath(base, p string) string {
	if base == "" || base == "/" {
		if p == "" {
			return "/"
		}
		return p
	}
	aslash := strings.HasSuffix(base, "/")
	bslash := strings.HasPrefix(p, "/")
	switch {
	case aslash && bslash:
		return base + p[1:]
	case !aslash && !bslash:
		return base + "/" + p
	}
	return base + p
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	hopbyhop.Strip(dst)
	dst.Del("Host")
	// The outbound Content-Length is derived from the body actually sent.
	dst.Del("Content-Length")
	return dst
}

func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	hopbyhop.Strip(dst)
	return dst
}
