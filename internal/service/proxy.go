// Package service implements the core request pipeline: URL rewrite,
// admissibility filtering, upstream dispatch and response composition.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"readonly-proxy-go/internal/client"
	"readonly-proxy-go/internal/config"
	"readonly-proxy-go/internal/metrics"
	"readonly-proxy-go/internal/model"
	"readonly-proxy-go/internal/notice"
	"readonly-proxy-go/internal/policy"
)

// ErrMalformedUpstreamBody is returned when the upstream declares a JSON
// content type but the body does not parse. It is surfaced to the caller as
// an error response, never silently forwarded as success.
var ErrMalformedUpstreamBody = errors.New("upstream declared JSON but the body did not parse")

// responseStripHeaders are upstream response headers dropped before relaying.
// Content-Length is recomputed by the server after notice injection, and the
// hop-by-hop set is connection-scoped.
var responseStripHeaders = []string{
	"Content-Length",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyService handles the forwarding pipeline for non-root requests.
type ProxyService struct {
	client    *client.UpstreamClient
	notice    *notice.Notice
	logger    *slog.Logger
	metrics   *metrics.Metrics
	baseURL   *url.URL
	apiPrefix string
}

// NewProxyService creates a ProxyService targeting the configured upstream.
// Scheme and port are fixed at construction: the proxy only ever speaks
// HTTPS to the upstream.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, n *notice.Notice, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	base := &url.URL{
		Scheme: "https",
		Host:   cfg.Upstream.Host + ":" + strconv.Itoa(cfg.Upstream.Port),
	}
	return newProxyService(c, base, cfg.Upstream.APIPrefix, n, logger, m)
}

// NewProxyServiceForTest creates a ProxyService targeting an arbitrary base
// URL. Intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(c *client.UpstreamClient, baseURL string, apiPrefix string, n *notice.Notice, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return newProxyService(c, u, apiPrefix, n, logger, nil), nil
}

func newProxyService(c *client.UpstreamClient, base *url.URL, apiPrefix string, n *notice.Notice, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:    c,
		notice:    n,
		logger:    logger.With("component", "proxy_service"),
		metrics:   m,
		baseURL:   base,
		apiPrefix: apiPrefix,
	}
}

// Forward runs the pipeline for a single non-root request: strip forbidden
// headers, apply the admissibility checks, dispatch upstream once under the
// deadline, and compose the relayed response. Rejections and dispatch
// failures are returned as errors for the handler's error mapper.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	policy.StripHeaders(pr.Header)

	if err := policy.Check(pr.Method, pr.Header); err != nil {
		if s.metrics != nil {
			s.metrics.RejectionsTotal.WithLabelValues(rejectionReason(err)).Inc()
		}
		return nil, err
	}

	target := s.buildTargetURL(pr.Path, pr.RawQuery)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.Do(pr.Ctx, pr.Method, target, pr.Header)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	return s.compose(resp)
}

// buildTargetURL rewrites an inbound path and query onto the upstream base.
// Host, port and scheme come from the base unconditionally; the inbound path
// is prefixed with the API namespace and the query is preserved verbatim.
// This stage cannot fail.
func (s *ProxyService) buildTargetURL(path, rawQuery string) string {
	u := *s.baseURL
	u.Path = s.apiPrefix + path
	u.RawQuery = rawQuery
	return u.String()
}

// compose post-processes a successful upstream response. JSON object bodies
// get the notice injected as leading keys; non-JSON bodies pass through
// byte-for-byte. Status code and headers are relayed verbatim apart from the
// strip list, with Content-Type forced to the upstream value if present,
// else text/plain.
func (s *ProxyService) compose(resp *model.ProxyResponse) (*model.ProxyResponse, error) {
	contentType := resp.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "application/json") {
		merged, err := s.notice.MergeJSON(resp.Body)
		if err != nil {
			s.logger.Error("malformed upstream body",
				"content_type", contentType,
				"err", err,
			)
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpstreamBody, err)
		}
		resp.Body = merged
	}

	for _, h := range responseStripHeaders {
		resp.Header.Del(h)
	}
	if contentType == "" {
		contentType = "text/plain"
	}
	resp.Header.Set("Content-Type", contentType)

	return resp, nil
}

// rejectionReason maps a policy error to a bounded metrics label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, policy.ErrMethodNotAllowed):
		return "method"
	case errors.Is(err, policy.ErrBlockedAgent):
		return "agent"
	case errors.Is(err, policy.ErrCredentialsForbidden):
		return "credentials"
	default:
		return "other"
	}
}
