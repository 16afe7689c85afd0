package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"html-rewrite-proxy/internal/client"
	"html-rewrite-proxy/internal/codec"
	"html-rewrite-proxy/internal/config"
	"html-rewrite-proxy/internal/dispatch"
	"html-rewrite-proxy/internal/gate"
	"html-rewrite-proxy/internal/middleware"
	"html-rewrite-proxy/internal/rewrite"
	"html-rewrite-proxy/internal/service"
)

const mockCardInfo = `<!doctype html>
<html>
  <head><title>Card Info</title></head>
  <body>
    <h1>Mock Upstream cardInfo</h1>
    <script>
      function formatCurrency(a,b,c,d){return b+" "+c}
      formatCurrency('GBP', '£', '0.00', '{2}{3}');
    </script>
    <div id="balance">Balance: <span>£0.00</span></div>
  </body>
</html>`

// newMockUpstream serves the card page at /cardInfo, encoded per the
// ?enc= query parameter, and echoes every other request as JSON.
func newMockUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cardInfo" && r.Method == http.MethodGet {
			enc := codec.ParseEncoding(r.URL.Query().Get("enc"))
			body, err := codec.Encode([]byte(mockCardInfo), enc)
			if err != nil {
				t.Errorf("encode mock page: %v", err)
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			if enc != codec.Identity {
				w.Header().Set("Content-Encoding", string(enc))
			}
			_, _ = w.Write(body)
			return
		}

		raw, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          true,
			"path":        r.URL.Path,
			"escapedPath": r.URL.EscapedPath(),
			"method":      r.Method,
			"query":       r.URL.RawQuery,
			"host":        r.Host,
			"body":        string(raw),
			"contentType": r.Header.Get("Content-Type"),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{BodyMode: config.BodyModePreserve},
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Rewrite: config.RewriteConfig{
			PathPrefix:   "/cardInfo",
			MaxBodyBytes: 1 << 20,
		},
	}
}

// newTestEcho builds the proxy the way main does, minus fx and listeners.
func newTestEcho(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := service.NewProxyService(client.NewUpstreamClient(cfg, logger, nil), cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	engine, err := rewrite.Load(cfg, logger)
	if err != nil {
		t.Fatalf("rewrite.Load: %v", err)
	}
	g := gate.New(cfg.Rewrite.PathPrefix)
	d := dispatch.New(cfg, g, engine, logger, nil)

	e := echo.New()
	e.Use(middleware.BodyCapture(cfg.Server.BodyMode, logger))
	RegisterRoutes(e, NewProxyHandler(svc, d, logger), NewHealthHandler(cfg, "test", g, engine))
	return e
}
