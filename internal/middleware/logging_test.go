package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"html-rewrite-proxy/internal/config"
)

func TestRequestLogger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func logRequest(t *testing.T, level slog.Level) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level}))

	e := echo.New()
	e.Use(RequestLogger(logger))
	e.Use(BodyCapture(config.BodyModePreserve, logger))
	e.POST("/cardInfo", func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	})

	req := httptest.NewRequest(http.MethodPost, "/cardInfo?id=9", strings.NewReader(`{"card":"1234"}`))
	req.Header.Set("Content-Type", "application/json")
	e.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("log line is not JSON: %v", err)
		}
		if m["msg"] == "request" {
			entry = m
		}
	}
	if entry == nil {
		t.Fatalf("no request log line in %q", buf.String())
	}
	return entry
}

func TestRequestLogger_Fields(t *testing.T) {
	entry := logRequest(t, slog.LevelInfo)

	if entry["method"] != http.MethodPost {
		t.Errorf("method = %v", entry["method"])
	}
	if entry["path"] != "/cardInfo" || entry["query"] != "id=9" {
		t.Errorf("path = %v query = %v", entry["path"], entry["query"])
	}
	if entry["status"] != float64(http.StatusAccepted) {
		t.Errorf("status = %v, want 202", entry["status"])
	}
	if _, ok := entry["body"]; ok {
		t.Error("body must not be logged above debug level")
	}
}

func TestRequestLogger_BodyAtDebug(t *testing.T) {
	entry := logRequest(t, slog.LevelDebug)

	body, ok := entry["body"].(map[string]any)
	if !ok {
		t.Fatalf("body = %v, want parsed object", entry["body"])
	}
	if body["card"] != "1234" {
		t.Errorf("body.card = %v, want 1234", body["card"])
	}
}
