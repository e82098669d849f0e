package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/elastic/llm-debug-proxy/internal/middleware"
	"github.com/elastic/llm-debug-proxy/internal/model"
	"github.com/elastic/llm-debug-proxy/internal/service"
	"github.com/elastic/llm-debug-proxy/internal/target"
)

// targetParam is the query parameter carrying the absolute target URL.
const targetParam = "target_url"

// ProxyHandler forwards requests to the target named in their query string.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to its target and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		ID:            middleware.RequestID(c),
		Method:        req.Method,
		TargetURL:     c.QueryParam(targetParam),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	if err := h.service.Forward(c.Response(), pr); err != nil {
		return h.mapError(c, err)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, target.ErrInvalidTarget) {
		h.logger.Warn("invalid target",
			"err", err,
			"target", c.QueryParam(targetParam),
		)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid target_url query parameter",
		})
	}

	if c.Response().Committed {
		// Upstream status already sent; drop the connection.
		panic(http.ErrAbortHandler)
	}

	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
			"error": "request body too large",
		})
	}

	kind := service.KindOther
	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		kind = ue.Kind
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "error forwarding the request",
		"kind":  string(kind),
	})
}
