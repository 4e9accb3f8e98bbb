package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires the route handlers onto the Echo instance. The root
// path serves metadata for every method; everything else is proxied. Any
// only covers the router's method set, so HTTPErrorHandler carries the root
// fallback for methods outside it.
func RegisterRoutes(e *echo.Echo, root *RootHandler, proxy *ProxyHandler) {
	e.Any("/", root.Handle)
	e.Any("/*", proxy.Handle)
}
