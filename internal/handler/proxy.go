package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"html-rewrite-proxy/internal/dispatch"
	"html-rewrite-proxy/internal/middleware"
	"html-rewrite-proxy/internal/model"
	"html-rewrite-proxy/internal/service"
)

// ProxyHandler forwards every non-local request upstream and hands the
// response to the dispatcher.
type ProxyHandler struct {
	service    *service.ProxyService
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, d *dispatch.Dispatcher, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:    svc,
		dispatcher: d,
		logger:     logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request upstream. Once upstream headers arrive the
// response belongs to the dispatcher; only failures before that are mapped
// to an error response here.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		ParsedBody:    middleware.ParsedBody(c),
		BodyConsumed:  middleware.BodyConsumed(c),
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	outcome := h.dispatcher.Dispatch(c.Response(), req, resp)
	if outcome == dispatch.OutcomeAborted && !c.Response().Committed {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream response interrupted",
		})
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	if isTimeout(err) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// isTimeout reports deadline and response-header timeouts.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
