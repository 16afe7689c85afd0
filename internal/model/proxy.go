// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string

	// Path is the decoded path; RawPath is its original escaped form when
	// that differs from the default encoding of Path (see url.URL).
	Path     string
	RawPath  string
	Query    url.Values
	RawQuery string
	Header   http.Header

	// Body is the raw inbound body; ContentLength is -1 when unknown.
	Body          io.ReadCloser
	ContentLength int64

	// ParsedBody is set when a JSON or form body was parsed before forwarding.
	// BodyConsumed reports that Body no longer carries the raw bytes and the
	// body must be rebuilt from ParsedBody.
	ParsedBody   map[string]any
	BodyConsumed bool
}

// UpstreamResponse is the upstream response as received. Body is read at most
// once, by the dispatcher.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
