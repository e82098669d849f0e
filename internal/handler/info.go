package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// InfoMessage is the body returned for every path the proxy does not serve.
const InfoMessage = "Nothing to see here. Try POST /?target_url=<absolute-url>"

// InfoHandler answers unmatched routes without forwarding anything.
type InfoHandler struct {
	logger *slog.Logger
}

// NewInfoHandler creates an InfoHandler.
func NewInfoHandler(logger *slog.Logger) *InfoHandler {
	return &InfoHandler{logger: logger.With("component", "info_handler")}
}

// CatchAll returns InfoMessage for any method and path.
func (h *InfoHandler) CatchAll(c echo.Context) error {
	h.logger.Debug("catch-all route", "method", c.Request().Method, "path", c.Request().URL.Path)
	return c.String(http.StatusOK, InfoMessage)
}
