package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/elastic/llm-debug-proxy/internal/config"
	"github.com/elastic/llm-debug-proxy/internal/metrics"
)

func testConfig(timeout int) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:        timeout,
			ConnectTimeoutSeconds: timeout,
			IdleConnections:       10,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRequest(t *testing.T, ctx context.Context, method, url string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestUpstreamClient_Do_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil)

	resp, err := c.Do(newRequest(t, context.Background(), http.MethodGet, srv.URL+"/test", nil))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if resp.Status != "201 Created" {
		t.Errorf("Status = %q, want %q", resp.Status, "201 Created")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
}

func TestUpstreamClient_Do_HTTPS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer srv.Close()

	cfg := testConfig(10)
	cfg.Upstream.InsecureSkipVerify = true
	c := NewUpstreamClient(cfg, discardLogger(), nil)

	resp, err := c.Do(newRequest(t, context.Background(), http.MethodGet, srv.URL, nil))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "secure" {
		t.Errorf("body = %q, want %q", body, "secure")
	}
}

func TestUpstreamClient_Do_HTTPSVerifiesByDefault(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil)

	if _, err := c.Do(newRequest(t, context.Background(), http.MethodGet, srv.URL, nil)); err == nil {
		t.Fatal("Do() expected certificate error for self-signed target, got nil")
	}
}

func TestUpstreamClient_Do_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil)

	resp, err := c.Do(newRequest(t, context.Background(), http.MethodGet, srv.URL+"/start", nil))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "/elsewhere" {
		t.Errorf("Location = %q, want %q", loc, "/elsewhere")
	}
}

func TestUpstreamClient_Do_LeavesCompressionAlone(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, _ = zw.Write([]byte(`{"id":5}`))
	_ = zw.Close()

	var gotAcceptEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAcceptEncoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(compressed.Bytes())
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil)
	req := newRequest(t, context.Background(), http.MethodGet, srv.URL, nil)
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if gotAcceptEncoding != "gzip" {
		t.Errorf("upstream Accept-Encoding = %q, want %q", gotAcceptEncoding, "gzip")
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", resp.Header.Get("Content-Encoding"))
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, compressed.Bytes()) {
		t.Error("body was modified in transit; want the compressed bytes unchanged")
	}
}

func TestUpstreamClient_Do_NoImplicitAcceptEncoding(t *testing.T) {
	var gotAcceptEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAcceptEncoding = r.Header.Get("Accept-Encoding")
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil)
	resp, err := c.Do(newRequest(t, context.Background(), http.MethodGet, srv.URL, nil))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	if gotAcceptEncoding != "" {
		t.Errorf("upstream Accept-Encoding = %q, want none", gotAcceptEncoding)
	}
}

func TestUpstreamClient_Do_UnsupportedScheme(t *testing.T) {
	c := NewUpstreamClient(testConfig(10), discardLogger(), nil)

	_, err := c.Do(newRequest(t, context.Background(), http.MethodGet, "ftp://example.test/file", nil))
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("Do() error = %v, want ErrUnsupportedScheme", err)
	}
}

func TestUpstreamClient_Do_Unreachable(t *testing.T) {
	c := NewUpstreamClient(testConfig(1), discardLogger(), nil)

	_, err := c.Do(newRequest(t, context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", nil))
	if err == nil {
		t.Fatal("Do() expected error for unreachable host, got nil")
	}
}

func TestUpstreamClient_Do_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow upstream; the request should be canceled before this completes.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(30), discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Do(newRequest(t, ctx, http.MethodGet, srv.URL+"/slow", nil))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}

func TestUpstreamClient_Do_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	m := metrics.New()
	c := NewUpstreamClient(testConfig(10), discardLogger(), m)

	resp, err := c.Do(newRequest(t, context.Background(), http.MethodPost, srv.URL, nil))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	var metric dto.Metric
	if err := m.UpstreamResponses.WithLabelValues("POST", "418").Write(&metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v := metric.GetCounter().GetValue(); v != 1 {
		t.Errorf("upstream responses{POST,418} = %v, want 1", v)
	}
}

func TestUpstreamClient_Do_HeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(1), discardLogger(), nil)

	_, err := c.Do(newRequest(t, context.Background(), http.MethodGet, srv.URL, nil))
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("Do() error = %v, want a timeout", err)
	}
}

func TestUpstreamClient_Do_SlowBodyNotCut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: first\n\n"))
		w.(http.Flusher).Flush()
		time.Sleep(1500 * time.Millisecond)
		_, _ = w.Write([]byte("data: last\n\n"))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(1), discardLogger(), nil)

	resp, err := c.Do(newRequest(t, context.Background(), http.MethodGet, srv.URL, nil))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body after header timeout elapsed: %v", err)
	}
	if want := "data: first\n\ndata: last\n\n"; string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}
