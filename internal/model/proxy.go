// Package model defines shared types for the proxy.
package model

import (
	"context"
	"net/http"
)

// ProxyRequest represents a client request entering the pipeline.
// Header values are kept verbatim; when a client sends duplicate keys every
// value is retained and forwarded, and checks read the first value.
// RawQuery is carried as the client sent it, never re-encoded.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
}

// ProxyResponse is a fully buffered response ready to be written back to the
// client. The body is buffered rather than streamed because the composer may
// parse and rewrite JSON bodies before relaying them.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
