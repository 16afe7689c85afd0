// Package dispatch relays upstream responses to the client, either verbatim
// or, for responses selected by the gate, fully buffered and rewritten.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"html-rewrite-proxy/internal/codec"
	"html-rewrite-proxy/internal/config"
	"html-rewrite-proxy/internal/gate"
	"html-rewrite-proxy/internal/metrics"
	"html-rewrite-proxy/internal/model"
	"html-rewrite-proxy/internal/rewrite"
)

// rewrittenContentType is sent with every rewritten body.
const rewrittenContentType = "text/html; charset=utf-8"

const copyBufferSize = 32 * 1024

// Outcome is the terminal state reached for one response.
type Outcome string

const (
	// OutcomeStreamed: status, headers and body relayed untouched.
	OutcomeStreamed Outcome = "streamed"
	// OutcomeRewritten: body buffered, decoded, rewritten and re-emitted.
	OutcomeRewritten Outcome = "rewritten"
	// OutcomeFallback: the transform failed and the original bytes were sent.
	OutcomeFallback Outcome = "fallback"
	// OutcomeAborted: the client went away or the upstream body broke.
	OutcomeAborted Outcome = "aborted"
)

// Dispatcher writes upstream responses to clients. It holds only read-only
// state and is safe for concurrent use.
type Dispatcher struct {
	gate         *gate.Gate
	engine       *rewrite.Engine
	maxBodyBytes int64
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// New creates a Dispatcher. The metrics parameter is optional.
func New(cfg *config.Config, g *gate.Gate, e *rewrite.Engine, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		gate:         g,
		engine:       e,
		maxBodyBytes: cfg.Rewrite.MaxBodyBytes,
		logger:       logger.With("component", "dispatcher"),
		metrics:      m,
	}
}

// Dispatch writes resp to w. The gate decision is made from headers alone,
// before any body byte is read. It does not close resp.Body.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, resp *model.UpstreamResponse) Outcome {
	path := r.URL.Path

	var out Outcome
	if d.intercepts(r, resp) {
		out = d.intercept(w, path, resp)
	} else {
		out = d.stream(w, path, resp, nil)
	}

	if d.metrics != nil {
		d.metrics.DispatchTotal.WithLabelValues(string(out)).Inc()
	}
	return out
}

func (d *Dispatcher) intercepts(r *http.Request, resp *model.UpstreamResponse) bool {
	if r.Method == http.MethodHead || !bodyAllowed(resp.StatusCode) {
		return false
	}
	return d.gate.Decide(r.URL.Path, resp.Header.Get("Content-Type")) == gate.Intercept
}

// bodyAllowed reports whether a response with this status may carry a body.
func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// stream relays status, headers, prefix and the remaining body in arrival
// order, flushing after every chunk.
func (d *Dispatcher) stream(w http.ResponseWriter, path string, resp *model.UpstreamResponse, prefix []byte) Outcome {
	writeHeader(w, resp.StatusCode, resp.Header)

	rc := http.NewResponseController(w)
	if len(prefix) > 0 {
		if _, err := w.Write(prefix); err != nil {
			d.logAbort(err, path, resp.StatusCode)
			return OutcomeAborted
		}
		_ = rc.Flush()
	}

	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				d.logAbort(werr, path, resp.StatusCode)
				return OutcomeAborted
			}
			_ = rc.Flush()
		}
		if errors.Is(rerr, io.EOF) {
			return OutcomeStreamed
		}
		if rerr != nil {
			d.logAbort(rerr, path, resp.StatusCode)
			return OutcomeAborted
		}
	}
}

// intercept buffers the whole body, then emits either the rewritten body or,
// on any transform failure, the original bytes with the original headers.
func (d *Dispatcher) intercept(w http.ResponseWriter, path string, resp *model.UpstreamResponse) Outcome {
	raw, complete, err := readUpTo(resp.Body, d.maxBodyBytes)
	if err != nil {
		d.logAbort(err, path, resp.StatusCode)
		return OutcomeAborted
	}
	if !complete {
		d.logger.Warn("body exceeds rewrite limit; passing through",
			"path", path,
			"status", resp.StatusCode,
			"limit", d.maxBodyBytes,
		)
		return d.stream(w, path, resp, raw)
	}

	body, err := d.transform(raw, resp.Header)
	if err != nil {
		d.logger.Warn("rewrite failed; serving original body",
			"err", err,
			"path", path,
			"status", resp.StatusCode,
		)
		if !d.emit(w, path, resp.StatusCode, resp.Header, raw) {
			return OutcomeAborted
		}
		return OutcomeFallback
	}

	if !d.emit(w, path, resp.StatusCode, rewrittenHeader(resp.Header, len(body)), body) {
		return OutcomeAborted
	}
	d.logger.Debug("response rewritten",
		"path", path,
		"status", resp.StatusCode,
		"bytes_in", len(raw),
		"bytes_out", len(body),
	)
	return OutcomeRewritten
}

// emit writes a complete response. It reports false if the client write failed.
func (d *Dispatcher) emit(w http.ResponseWriter, path string, status int, header http.Header, body []byte) bool {
	writeHeader(w, status, header)
	if _, err := w.Write(body); err != nil {
		d.logAbort(err, path, status)
		return false
	}
	return true
}

// stage is one fallible step of the rewrite pipeline.
type stage struct {
	name string
	run  func([]byte) ([]byte, error)
}

// transform runs decode -> UTF-8 -> rewrite. The first failing stage, or a
// panic in any stage, aborts the pipeline.
func (d *Dispatcher) transform(raw []byte, header http.Header) (out []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("%w: panic: %v", rewrite.ErrRewrite, p)
		}
	}()

	ct := gate.ParseContentType(header.Get("Content-Type"))
	pipeline := []stage{
		{"decode", func(b []byte) ([]byte, error) { return decode(b, header.Get("Content-Encoding")) }},
		{"charset", func(b []byte) ([]byte, error) { return toUTF8(b, ct.Charset()) }},
		{"rewrite", func(b []byte) ([]byte, error) {
			s, err := d.engine.Rewrite(string(b))
			return []byte(s), err
		}},
	}

	out = raw
	for _, s := range pipeline {
		if out, err = s.run(out); err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return out, nil
}

// decode refuses codings the codec does not implement instead of treating
// them as identity, which would emit compressed bytes as text.
func decode(b []byte, contentEncoding string) ([]byte, error) {
	enc, ok := codec.Lookup(contentEncoding)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported content-encoding %q", codec.ErrDecode, contentEncoding)
	}
	return codec.Decode(b, enc)
}

// rewrittenHeader copies upstream headers and describes an identity-encoded
// UTF-8 HTML body of n bytes.
func rewrittenHeader(src http.Header, n int) http.Header {
	h := src.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Del("Content-Encoding")
	h.Del("Content-Length")
	h.Set("Content-Type", rewrittenContentType)
	h.Set("Content-Length", strconv.Itoa(n))
	return h
}

// serverDefaultHeaders are added by net/http when absent from the header map.
var serverDefaultHeaders = []string{"Content-Type", "Date"}

// writeHeader replaces each key present in src and writes status. Headers the
// upstream did not send are suppressed rather than filled in by net/http.
func writeHeader(w http.ResponseWriter, status int, src http.Header) {
	dst := w.Header()
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}
	for _, key := range serverDefaultHeaders {
		if _, ok := src[key]; !ok {
			dst[key] = nil
		}
	}
	w.WriteHeader(status)
}

// readUpTo reads r to EOF when it holds at most limit bytes. Otherwise it
// returns the first limit+1 bytes with complete=false; the rest stays in r.
func readUpTo(r io.Reader, limit int64) (data []byte, complete bool, err error) {
	if limit <= 0 {
		data, err = io.ReadAll(r)
		return data, err == nil, err
	}
	data, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	return data, int64(len(data)) <= limit, nil
}

func (d *Dispatcher) logAbort(err error, path string, status int) {
	d.logger.Warn("response relay aborted",
		"err", err,
		"path", path,
		"status", status,
	)
}
