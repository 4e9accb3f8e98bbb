package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"readonly-proxy-go/internal/notice"
)

// HTTPErrorHandler returns Echo's central error handler. Errors that escape
// the pipeline (router-level 405s, body-limit 413s, panics recovered by the
// middleware) are still wrapped in the notice envelope so every error
// response carries proxy attribution.
func HTTPErrorHandler(n *notice.Notice, root *RootHandler, logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		message := "Internal Server Error"

		var he *echo.HTTPError
		if errors.As(err, &he) {
			// The router rejects methods outside its registered set before any
			// handler runs, but the root path serves metadata for every method.
			if he.Code == http.StatusMethodNotAllowed && c.Request().URL.Path == "/" {
				if writeErr := root.Handle(c); writeErr != nil {
					logger.Error("writing root metadata", "err", writeErr)
				}
				return
			}
			status = he.Code
			if s, ok := he.Message.(string); ok {
				message = s
			}
		}

		if status >= http.StatusInternalServerError {
			logger.Error("unhandled error",
				"err", err,
				"status", status,
				"path", c.Request().URL.Path,
			)
		}

		if writeErr := c.JSON(status, n.ErrorPayload(status, message, "request could not be processed")); writeErr != nil {
			logger.Error("writing error response", "err", writeErr)
		}
	}
}
