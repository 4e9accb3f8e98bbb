package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"readonly-proxy-go/internal/notice"
)

// RootHandler serves the service metadata response for the root path.
// The root path never contacts upstream.
type RootHandler struct {
	notice *notice.Notice
}

// NewRootHandler creates a RootHandler.
func NewRootHandler(n *notice.Notice) *RootHandler {
	return &RootHandler{notice: n}
}

// Handle returns the metadata payload for any method on "/". The example
// field is built from the origin the client used to reach the proxy.
func (h *RootHandler) Handle(c echo.Context) error {
	origin := c.Scheme() + "://" + c.Request().Host
	return c.JSON(http.StatusOK, h.notice.RootPayload(origin))
}
