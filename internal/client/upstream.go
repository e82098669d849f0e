// Package client provides the outbound HTTP client used to reach proxy targets.
package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/elastic/llm-debug-proxy/internal/config"
	"github.com/elastic/llm-debug-proxy/internal/metrics"
	"github.com/elastic/llm-debug-proxy/internal/model"
	"github.com/elastic/llm-debug-proxy/internal/target"
)

// ErrUnsupportedScheme is returned for requests whose scheme has no transport.
var ErrUnsupportedScheme = errors.New("unsupported upstream scheme")

// UpstreamClient sends proxied requests to their targets, choosing the
// transport by URL scheme.
type UpstreamClient struct {
	clients map[string]*http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with one pooled transport per scheme.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	plain := newTransport(cfg)
	secure := newTransport(cfg)
	secure.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify, //nolint:gosec // opt-in for local targets with self-signed certs
	}
	secure.ForceAttemptHTTP2 = true

	return &UpstreamClient{
		clients: map[string]*http.Client{
			target.SchemeHTTP:  newHTTPClient(plain),
			target.SchemeHTTPS: newHTTPClient(secure),
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// newTransport bounds connecting and waiting for response headers only.
// Response bodies are read for as long as the inbound request lives.
func newTransport(cfg *config.Config) *http.Transport {
	return &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.Upstream.ConnectTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Bodies are relayed byte-for-byte: never add Accept-Encoding or
		// decompress behind the caller's back.
		DisableCompression: true,
	}
}

func newHTTPClient(rt http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: rt,
		// Redirects are the caller's business.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Do executes req against its target and returns the raw response once the
// status and headers have arrived. The caller is responsible for closing
// the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	hc, ok := c.clients[req.URL.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, req.URL.Scheme)
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method, req.URL.Scheme).Observe(duration)
	}

	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
