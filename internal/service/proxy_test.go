package service

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"readonly-proxy-go/internal/client"
	"readonly-proxy-go/internal/config"
	"readonly-proxy-go/internal/model"
	"readonly-proxy-go/internal/notice"
	"readonly-proxy-go/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNotice() *notice.Notice {
	return notice.New("readme text", "the authors")
}

func newTestService(t *testing.T, baseURL string, timeoutMS int) *ProxyService {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutMS:       timeoutMS,
			IdleConnections: 10,
			MaxBodyBytes:    1024 * 1024,
		},
	}
	c := client.NewUpstreamClient(cfg, testLogger(), nil)
	svc, err := NewProxyServiceForTest(c, baseURL, "/api/1", testNotice(), testLogger())
	if err != nil {
		t.Fatalf("NewProxyServiceForTest: %v", err)
	}
	return svc
}

func getRequest(path, rawQuery string) *model.ProxyRequest {
	return &model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     path,
		RawQuery: rawQuery,
		Header:   http.Header{},
	}
}

func TestBuildTargetURL(t *testing.T) {
	base, _ := url.Parse("https://api.example.com:443")
	s := &ProxyService{baseURL: base, apiPrefix: "/api/1"}

	tests := []struct {
		name     string
		path     string
		rawQuery string
		want     string
	}{
		{
			name: "plain path",
			path: "/config",
			want: "https://api.example.com:443/api/1/config",
		},
		{
			name:     "query preserved verbatim",
			path:     "/search",
			rawQuery: "q=a%20b&limit=10",
			want:     "https://api.example.com:443/api/1/search?q=a%20b&limit=10",
		},
		{
			name: "nested path segments preserved",
			path: "/items/42/details",
			want: "https://api.example.com:443/api/1/items/42/details",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.buildTargetURL(tt.path, tt.rawQuery)
			if got != tt.want {
				t.Errorf("buildTargetURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForward_HappyPathJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/1/config" {
			t.Errorf("upstream path = %q, want %q", r.URL.Path, "/api/1/config")
		}
		if got := r.Header.Get("Referer"); got != "" {
			t.Errorf("Referer forwarded upstream: %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "Example/1.0" {
			t.Errorf("User-Agent = %q, want %q", got, "Example/1.0")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"clientApiKey":"abc"}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, 5000)

	pr := getRequest("/config", "")
	pr.Header.Set("User-Agent", "Example/1.0")
	pr.Header.Set("Referer", "https://example.com/page")

	resp, err := svc.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["clientApiKey"] != "abc" {
		t.Errorf("clientApiKey = %v, want %q", body["clientApiKey"], "abc")
	}
	if body["_readme"] != "readme text" {
		t.Errorf("_readme = %v, want notice value", body["_readme"])
	}
}

func TestForward_GzipUpstreamJSONMerged(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept-Encoding"); !strings.Contains(got, "gzip") {
			t.Errorf("Accept-Encoding = %q, want transport-negotiated gzip", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(`{"clientApiKey":"abc"}`))
		_ = gz.Close()
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, 5000)

	// The caller's Accept-Encoding must not reach upstream; the transport
	// negotiates its own so it can decompress before the body is rewritten.
	pr := getRequest("/config", "")
	pr.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := svc.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["clientApiKey"] != "abc" {
		t.Errorf("clientApiKey = %v, want %q", body["clientApiKey"], "abc")
	}
	if body["_readme"] != "readme text" {
		t.Errorf("_readme = %v, want notice value", body["_readme"])
	}
	if got := resp.Header.Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want empty after transparent decompression", got)
	}
}

func TestForward_QueryForwardedVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "q=test&page=2" {
			t.Errorf("RawQuery = %q, want %q", r.URL.RawQuery, "q=test&page=2")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, 5000)

	if _, err := svc.Forward(getRequest("/search", "q=test&page=2")); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
}

func TestForward_RejectionsSkipUpstream(t *testing.T) {
	var upstreamCalls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, 5000)

	tests := []struct {
		name    string
		prepare func(pr *model.ProxyRequest)
		wantErr error
	}{
		{
			name:    "non-GET method",
			prepare: func(pr *model.ProxyRequest) { pr.Method = http.MethodPost },
			wantErr: policy.ErrMethodNotAllowed,
		},
		{
			name: "blocked agent",
			prepare: func(pr *model.ProxyRequest) {
				pr.Header.Set("User-Agent", "PostmanRuntime/7.36.0")
			},
			wantErr: policy.ErrBlockedAgent,
		},
		{
			name: "authorization header",
			prepare: func(pr *model.ProxyRequest) {
				pr.Header.Set("Authorization", "Bearer token")
			},
			wantErr: policy.ErrCredentialsForbidden,
		},
		{
			name: "cookie header",
			prepare: func(pr *model.ProxyRequest) {
				pr.Header.Set("Cookie", "session=abc")
			},
			wantErr: policy.ErrCredentialsForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr := getRequest("/config", "")
			tt.prepare(pr)

			_, err := svc.Forward(pr)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Forward() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if n := upstreamCalls.Load(); n != 0 {
		t.Errorf("upstream contacted %d times for rejected requests, want 0", n)
	}
}

func TestForward_NonJSONPassthrough(t *testing.T) {
	raw := []byte("<html><body>not json</body></html>")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, 5000)

	resp, err := svc.Forward(getRequest("/page", ""))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if !bytes.Equal(resp.Body, raw) {
		t.Errorf("body = %q, want byte-identical passthrough %q", resp.Body, raw)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want upstream value", ct)
	}
}

func TestForward_MissingContentTypeDefaultsTextPlain(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Suppress Go's content sniffing so no Content-Type is sent.
		w.Header()["Content-Type"] = nil
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("plain data"))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, 5000)

	resp, err := svc.Forward(getRequest("/raw", ""))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/plain")
	}
}

func TestForward_MalformedJSONSurfaced(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"broken":`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, 5000)

	_, err := svc.Forward(getRequest("/config", ""))
	if !errors.Is(err, ErrMalformedUpstreamBody) {
		t.Errorf("Forward() error = %v, want ErrMalformedUpstreamBody", err)
	}
}

func TestForward_UpstreamStatusRelayedVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "abc-123")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"error":"teapot"}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, 5000)

	resp, err := svc.Forward(getRequest("/config", ""))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("StatusCode = %d, want %d (verbatim relay)", resp.StatusCode, http.StatusTeapot)
	}
	if got := resp.Header.Get("X-Request-Id"); got != "abc-123" {
		t.Errorf("X-Request-Id = %q, want relayed", got)
	}
	if got := resp.Header.Get("Content-Length"); got != "" {
		t.Errorf("Content-Length = %q, want stripped", got)
	}
}

func TestForward_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	svc := newTestService(t, upstream.URL, 50)

	_, err := svc.Forward(getRequest("/slow", ""))
	if err == nil {
		t.Fatal("Forward() expected timeout error, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Forward() error = %v, want context.DeadlineExceeded in chain", err)
	}
}

func TestForward_Idempotent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"b":2,"a":1}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, 5000)

	first, err := svc.Forward(getRequest("/config", ""))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	second, err := svc.Forward(getRequest("/config", ""))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if first.StatusCode != second.StatusCode {
		t.Errorf("status codes differ: %d vs %d", first.StatusCode, second.StatusCode)
	}
	if !bytes.Equal(first.Body, second.Body) {
		t.Errorf("bodies differ:\n%s\n%s", first.Body, second.Body)
	}
}
