package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"html-rewrite-proxy/internal/config"
	"html-rewrite-proxy/internal/restream"
)

// Context keys set by BodyCapture.
const (
	ParsedBodyKey   = "parsed_body"
	BodyConsumedKey = "body_consumed"
)

// BodyCapture parses JSON and form request bodies into a map stored under
// ParsedBodyKey. In preserve mode the raw bytes are put back on the request.
// In restream mode the request body is left empty and BodyConsumedKey is set,
// so the forwarder must rebuild it from the parsed map. Bodies that do not
// parse to an object are always forwarded raw.
func BodyCapture(mode string, logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "body-capture")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !restream.HasBody(req.Method) || req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			kind := restream.KindOf(req.Header.Get("Content-Type"))
			if kind == restream.KindUnknown {
				return next(c)
			}

			raw, err := io.ReadAll(req.Body)
			_ = req.Body.Close()
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					return he
				}
				return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body").SetInternal(err)
			}

			parsed, ok := parseBody(kind, raw)
			if !ok {
				logger.Debug("body not parseable; forwarding raw",
					"path", req.URL.Path,
					"content_type", req.Header.Get("Content-Type"),
				)
			} else {
				c.Set(ParsedBodyKey, parsed)
			}

			if ok && mode == config.BodyModeRestream {
				req.Body = http.NoBody
				req.ContentLength = 0
				c.Set(BodyConsumedKey, true)
			} else {
				req.Body = io.NopCloser(bytes.NewReader(raw))
				req.ContentLength = int64(len(raw))
			}
			return next(c)
		}
	}
}

// ParsedBody returns the map stored by BodyCapture, or nil.
func ParsedBody(c echo.Context) map[string]any {
	m, _ := c.Get(ParsedBodyKey).(map[string]any)
	return m
}

// BodyConsumed reports whether BodyCapture emptied the request body.
func BodyConsumed(c echo.Context) bool {
	v, _ := c.Get(BodyConsumedKey).(bool)
	return v
}

func parseBody(kind restream.Kind, raw []byte) (map[string]any, bool) {
	switch kind {
	case restream.KindJSON:
		// Numbers stay json.Number so large integers re-encode unchanged.
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil || m == nil {
			return nil, false
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			return nil, false
		}
		return m, true
	case restream.KindForm:
		vals, err := url.ParseQuery(string(raw))
		if err != nil || len(vals) == 0 {
			return nil, false
		}
		m := make(map[string]any, len(vals))
		for k, v := range vals {
			if len(v) == 1 {
				m[k] = v[0]
			} else {
				m[k] = v
			}
		}
		return m, true
	default:
		return nil, false
	}
}
