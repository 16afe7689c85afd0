// Package gate decides whether an upstream response is rewritten or passed through.
package gate

import (
	"mime"
	"strings"
)

// Decision is the dispatch mode chosen for a single response.
type Decision int

const (
	Passthrough Decision = iota
	Intercept
)

func (d Decision) String() string {
	if d == Intercept {
		return "intercept"
	}
	return "passthrough"
}

// htmlMediaTypes is the enumerated set of media types treated as HTML.
var htmlMediaTypes = map[string]bool{
	"text/html": true,
}

// ContentType is a parsed Content-Type header value.
type ContentType struct {
	MediaType string
	Params    map[string]string
}

// ParseContentType parses a Content-Type header value. The media type is
// lower-cased; malformed parameters are dropped rather than failing.
func ParseContentType(v string) ContentType {
	mt, params, err := mime.ParseMediaType(v)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.Split(v, ";")[0]))
		params = nil
	}
	return ContentType{MediaType: mt, Params: params}
}

// IsHTML reports whether the media type is one of the HTML types.
func (ct ContentType) IsHTML() bool {
	return htmlMediaTypes[ct.MediaType]
}

// Charset returns the lower-cased charset parameter, or "" when absent.
func (ct ContentType) Charset() string {
	return strings.ToLower(ct.Params["charset"])
}

// Gate holds the rewrite-eligible path prefix. It is read-only after construction.
type Gate struct {
	prefix string
}

// New creates a Gate for the given path prefix. A trailing slash is ignored.
func New(prefix string) *Gate {
	p := strings.TrimRight(prefix, "/")
	if p == "" {
		p = "/"
	}
	return &Gate{prefix: p}
}

// Prefix returns the normalized rewrite-eligible path prefix.
func (g *Gate) Prefix() string {
	return g.prefix
}

// MatchPath reports whether path is the prefix itself or lies below it.
func (g *Gate) MatchPath(path string) bool {
	if g.prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == g.prefix || strings.HasPrefix(path, g.prefix+"/")
}

// Decide returns Intercept only for HTML responses on the eligible prefix.
func (g *Gate) Decide(path, contentType string) Decision {
	if !g.MatchPath(path) {
		return Passthrough
	}
	if !ParseContentType(contentType).IsHTML() {
		return Passthrough
	}
	return Intercept
}
