package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"html-rewrite-proxy/internal/config"
	"html-rewrite-proxy/internal/service"
)

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestProxyHandler_RewritesCardInfo(t *testing.T) {
	upstream := newMockUpstream(t)
	e := newTestEcho(t, testConfig(upstream.URL))

	for _, enc := range []string{"identity", "gzip", "deflate", "br"} {
		t.Run(enc, func(t *testing.T) {
			rec := serve(e, httptest.NewRequest(http.MethodGet, "/cardInfo?enc="+enc, http.NoBody))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			body := rec.Body.String()
			if !strings.Contains(body, "formatCurrency('GBP', '£', '1000.00', '{2}{3}')") {
				t.Errorf("currency call not rewritten:\n%s", body)
			}
			if !strings.Contains(body, "<span>£1000.00</span>") {
				t.Errorf("balance not rewritten:\n%s", body)
			}
			if ce := rec.Header().Get("Content-Encoding"); ce != "" {
				t.Errorf("Content-Encoding = %q, want none", ce)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
				t.Errorf("Content-Type = %q", ct)
			}
			if cl := rec.Header().Get("Content-Length"); cl != fmt.Sprint(rec.Body.Len()) {
				t.Errorf("Content-Length = %q, body is %d bytes", cl, rec.Body.Len())
			}
		})
	}
}

func TestProxyHandler_PassesThroughOtherPaths(t *testing.T) {
	upstream := newMockUpstream(t)
	e := newTestEcho(t, testConfig(upstream.URL))
	upstreamHost := strings.TrimPrefix(upstream.URL, "http://")

	req := httptest.NewRequest(http.MethodGet, "/api/balance?b=2&a=1", http.NoBody)
	req.Host = "proxy.local:8080"
	rec := serve(e, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["path"] != "/api/balance" || got["query"] != "b=2&a=1" {
		t.Errorf("upstream saw path %v query %v", got["path"], got["query"])
	}
	if got["host"] != upstreamHost {
		t.Errorf("upstream Host = %v, want %s", got["host"], upstreamHost)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want upstream value", ct)
	}
}

func TestProxyHandler_KeepsEscapedPath(t *testing.T) {
	upstream := newMockUpstream(t)
	e := newTestEcho(t, testConfig(upstream.URL))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/files/a%2Fb?x=1", http.NoBody))

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["escapedPath"] != "/files/a%2Fb" {
		t.Errorf("upstream path = %v, want /files/a%%2Fb", got["escapedPath"])
	}
	if got["query"] != "x=1" {
		t.Errorf("upstream query = %v", got["query"])
	}
}

func TestProxyHandler_ForwardsBody(t *testing.T) {
	tests := []struct {
		name        string
		mode        string
		contentType string
		body        string
		want        string
	}{
		{"preserve json", config.BodyModePreserve, "application/json", `{"b": 2,  "a": 1}`, `{"b": 2,  "a": 1}`},
		{"restream json", config.BodyModeRestream, "application/json", `{"a": 1}`, `{"a":1}`},
		{"restream json large integer", config.BodyModeRestream, "application/json", `{"id": 12345678901234567890, "amt": 0.10}`, `{"amt":0.10,"id":12345678901234567890}`},
		{"restream form large integer", config.BodyModeRestream, "application/x-www-form-urlencoded", "id=12345678901234567890", "id=12345678901234567890"},
		{"restream form", config.BodyModeRestream, "application/x-www-form-urlencoded", "card=1234", "card=1234"},
		{"plain text", config.BodyModeRestream, "text/plain", "hello", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := newMockUpstream(t)
			cfg := testConfig(upstream.URL)
			cfg.Server.BodyMode = tt.mode
			e := newTestEcho(t, cfg)

			req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := serve(e, req)

			var got map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("unmarshal: %v (%s)", err, rec.Body.String())
			}
			if got["method"] != http.MethodPost {
				t.Errorf("method = %v", got["method"])
			}
			if got["body"] != tt.want {
				t.Errorf("upstream body = %q, want %q", got["body"], tt.want)
			}
		})
	}
}

func TestProxyHandler_UpstreamDown(t *testing.T) {
	e := newTestEcho(t, testConfig("http://127.0.0.1:1"))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/cardInfo", http.NoBody))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected non-empty error message in response")
	}
}

func TestProxyHandler_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	cfg := testConfig(upstream.URL)
	cfg.Upstream.TimeoutSeconds = 1
	e := newTestEcho(t, cfg)

	start := time.Now()
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/cardInfo", http.NoBody))

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout took too long")
	}
}

func TestProxyHandler_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodGet, "/cardInfo", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := serve(e, req.WithContext(ctx))

	if rec.Code == http.StatusOK {
		t.Error("expected non-200 status for canceled context")
	}
}

func TestProxyHandler_mapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "dns",
			err:        fmt.Errorf("%w: %w", service.ErrUpstreamUnreachable, &net.DNSError{Err: "no such host", Name: "cards.example.test"}),
			wantStatus: http.StatusBadGateway,
			wantMsg:    "upstream host unreachable",
		},
		{
			name:       "connection refused",
			err:        fmt.Errorf("%w: %w", service.ErrUpstreamUnreachable, &url.Error{Op: "Get", URL: "https://cards.example.test/", Err: fmt.Errorf("connection refused")}),
			wantStatus: http.StatusBadGateway,
			wantMsg:    "upstream connection failed",
		},
		{
			name:       "deadline",
			err:        fmt.Errorf("%w: %w", service.ErrUpstreamUnreachable, context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantMsg:    "upstream request timed out",
		},
		{
			name:       "net timeout",
			err:        &url.Error{Op: "Get", URL: "https://cards.example.test/", Err: &net.OpError{Op: "dial", Err: timeoutErr{}}},
			wantStatus: http.StatusGatewayTimeout,
			wantMsg:    "upstream request timed out",
		},
		{
			name:       "canceled",
			err:        fmt.Errorf("%w: %w", service.ErrUpstreamUnreachable, context.Canceled),
			wantStatus: http.StatusBadGateway,
			wantMsg:    "client disconnected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &ProxyHandler{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/cardInfo", http.NoBody), rec)

			if err := h.mapError(c, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] != tt.wantMsg {
				t.Errorf("error = %q, want %q", body["error"], tt.wantMsg)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestProxyHandler_PassthroughAddsNoServerHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// No Content-Type and no Date on the wire; the body sniffs as HTML.
		w.Header()["Content-Type"] = nil
		w.Header()["Date"] = nil
		w.Header().Set("X-Upstream", "1")
		_, _ = w.Write([]byte("<html><body>£0.00</body></html>"))
	}))
	defer upstream.Close()

	front := httptest.NewServer(newTestEcho(t, testConfig(upstream.URL)))
	defer front.Close()

	for _, p := range []string{"/static/page", "/cardInfo"} {
		t.Run(p, func(t *testing.T) {
			resp, err := http.Get(front.URL + p)
			if err != nil {
				t.Fatalf("GET %s: %v", p, err)
			}
			defer func() { _ = resp.Body.Close() }()
			body, _ := io.ReadAll(resp.Body)

			if v, ok := resp.Header["Content-Type"]; ok {
				t.Errorf("Content-Type = %v, want absent like upstream", v)
			}
			if v, ok := resp.Header["Date"]; ok {
				t.Errorf("Date = %v, want absent like upstream", v)
			}
			if resp.Header.Get("X-Upstream") != "1" {
				t.Error("X-Upstream header missing")
			}
			if string(body) != "<html><body>£0.00</body></html>" {
				t.Errorf("body = %q, want upstream bytes", body)
			}
		})
	}
}
