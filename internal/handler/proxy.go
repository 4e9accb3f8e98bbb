package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"readonly-proxy-go/internal/model"
	"readonly-proxy-go/internal/notice"
	"readonly-proxy-go/internal/policy"
	"readonly-proxy-go/internal/service"
)

// ProxyHandler forwards non-root requests through the pipeline and writes
// the composed response or a structured error back to the client.
type ProxyHandler struct {
	service *service.ProxyService
	notice  *notice.Notice
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, n *notice.Notice, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		notice:  n,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle runs the pipeline for one request. Every error path still writes a
// response; nothing propagates to the transport layer unhandled.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	header := c.Response().Header()
	for key, vals := range resp.Header {
		if key == "Content-Type" {
			continue // set by Blob below
		}
		for _, v := range vals {
			header.Add(key, v)
		}
	}

	return c.Blob(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
}

// mapError converts a pipeline failure into the structured error envelope.
// Statuses follow a fixed table: 405 for disallowed methods, 400 for blocked
// agents and credential headers, 504 for upstream deadline hits and 500 for
// everything else.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	var status int
	var message, comment string

	switch {
	case errors.Is(err, policy.ErrMethodNotAllowed):
		status = http.StatusMethodNotAllowed
		message = "Method Not Allowed"
		comment = policy.ErrMethodNotAllowed.Error()
	case errors.Is(err, policy.ErrBlockedAgent):
		status = http.StatusBadRequest
		message = "Bad Request"
		comment = policy.ErrBlockedAgent.Error()
	case errors.Is(err, policy.ErrCredentialsForbidden):
		status = http.StatusBadRequest
		message = "Bad Request"
		comment = policy.ErrCredentialsForbidden.Error()
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		message = "Gateway Timeout"
		comment = "upstream did not respond within the deadline"
	case errors.Is(err, service.ErrMalformedUpstreamBody):
		status = http.StatusInternalServerError
		message = "Internal Server Error"
		comment = service.ErrMalformedUpstreamBody.Error()
	default:
		status = http.StatusInternalServerError
		message = "Internal Server Error"
		comment = "error contacting upstream"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("proxy error",
			"err", err,
			"status", status,
			"path", c.Request().URL.Path,
		)
	} else {
		h.logger.Info("request rejected",
			"reason", comment,
			"status", status,
			"path", c.Request().URL.Path,
		)
	}

	return c.JSON(status, h.notice.ErrorPayload(status, message, comment))
}
