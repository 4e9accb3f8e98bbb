// Package policy implements the admissibility filter applied to every
// non-root request before upstream dispatch.
package policy

import (
	"errors"
	"net/http"
	"strings"
)

// Rejection reasons, matched with errors.Is by the error mapper.
var (
	ErrMethodNotAllowed     = errors.New("only GET requests are proxied")
	ErrBlockedAgent         = errors.New("requests from this client are blocked")
	ErrCredentialsForbidden = errors.New("credential headers are not accepted by this proxy")
)

// blockedAgentSubstring identifies Postman traffic, which is rejected.
// Case-sensitive substring match against the User-Agent header.
const blockedAgentSubstring = "PostmanRuntime"

// credentialHeaders must never be relayed; their presence fails the request.
var credentialHeaders = []string{"Authorization", "Cookie"}

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHeaders removes headers that must never reach upstream, regardless of
// whether the request is later admitted. Referer is always dropped so the
// proxy cannot leak the caller's browsing context. Accept-Encoding is dropped
// so the transport negotiates compression itself and decompresses
// transparently; the composer needs plain bytes to rewrite JSON bodies.
func StripHeaders(header http.Header) {
	header.Del("Referer")
	header.Del("Accept-Encoding")
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}

// Check applies the admissibility rules in order and returns the first
// failure. Later checks are not evaluated once one fails.
func Check(method string, header http.Header) error {
	if !strings.EqualFold(method, http.MethodGet) {
		return ErrMethodNotAllowed
	}
	if strings.Contains(header.Get("User-Agent"), blockedAgentSubstring) {
		return ErrBlockedAgent
	}
	for _, h := range credentialHeaders {
		if len(header.Values(h)) > 0 {
			return ErrCredentialsForbidden
		}
	}
	return nil
}
