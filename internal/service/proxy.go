// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/llm-debug-proxy/internal/client"
	"github.com/elastic/llm-debug-proxy/internal/config"
	"github.com/elastic/llm-debug-proxy/internal/inspect"
	"github.com/elastic/llm-debug-proxy/internal/metrics"
	"github.com/elastic/llm-debug-proxy/internal/model"
	"github.com/elastic/llm-debug-proxy/internal/target"
	"github.com/elastic/llm-debug-proxy/internal/tee"
)

// hopByHopHeaders describe a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyService forwards one inbound request to the target it names and
// relays the response back while both bodies are captured.
type ProxyService struct {
	client       *client.UpstreamClient
	dispatcher   *inspect.Dispatcher
	logger       *slog.Logger
	metrics      *metrics.Metrics
	captureLimit int64
}

// NewProxyService creates a ProxyService. A nil dispatcher, or
// inspect.disabled in cfg, turns inspection off. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, d *inspect.Dispatcher, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	if cfg.Inspect.Disabled {
		d = nil
	}
	return &ProxyService{
		client:       c,
		dispatcher:   d,
		logger:       logger.With("component", "proxy_service"),
		metrics:      m,
		captureLimit: cfg.Inspect.CaptureMaxBytes,
	}
}

// Forward resolves pr's target, streams pr's body to it and streams the
// response to w, passing status and headers through. Once the response body
// has been relayed in full, the capture is handed to the inspection
// dispatcher.
//
// An invalid target yields an error wrapping target.ErrInvalidTarget and
// nothing is written to w. Upstream failures yield an *UpstreamError; when
// its Committed field is false nothing has been written to w.
func (s *ProxyService) Forward(w http.ResponseWriter, pr *model.ProxyRequest) error {
	tx := model.NewTransaction(pr.ID, pr.Method)

	desc, err := target.Resolve(pr.TargetURL)
	if err != nil {
		s.finish(tx, model.StateFailedValidation, "")
		return fmt.Errorf("forward: %w", err)
	}
	tx.Target = desc

	out, reqAcc, err := s.outboundRequest(tx, pr)
	if err != nil {
		s.finish(tx, model.StateFailedUpstream, KindOther)
		return &UpstreamError{Kind: KindOther, Err: err}
	}

	resp, err := s.client.Do(out)
	if err != nil {
		kind := classify(err)
		if rerr := inboundBodyError(reqAcc); rerr != nil {
			kind = KindRequestBody
			err = fmt.Errorf("read request body: %w: %w", rerr, err)
		}
		s.finish(tx, model.StateFailedUpstream, kind, "error", err)
		return &UpstreamError{Kind: kind, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	s.transition(tx, model.StateStreaming)

	header := w.Header()
	clear(header)
	copyHeader(header, resp.Header)
	w.WriteHeader(resp.StatusCode)

	src := &upstreamBody{r: resp.Body}
	respAcc, err := tee.Copy(w, src, s.captureLimit)
	s.countCaptured(reqAcc, respAcc)
	if err != nil {
		kind := KindCanceled // the client went away
		if src.err != nil {
			kind = classify(src.err)
		}
		s.finish(tx, model.StateFailedUpstream, kind, "error", err)
		return &UpstreamError{Kind: kind, Committed: true, Err: err}
	}

	s.finish(tx, model.StateInspected, "", "status", resp.StatusCode)
	s.dispatch(tx, pr, resp, reqAcc, respAcc)
	return nil
}

// outboundRequest builds the request sent to tx.Target. The returned
// accumulator receives the request body as the transport reads it.
func (s *ProxyService) outboundRequest(tx *model.Transaction, pr *model.ProxyRequest) (*http.Request, *tee.Accumulator, error) {
	var (
		body io.ReadCloser = http.NoBody
		acc                = tee.Finalized(nil)
	)
	if pr.Body != nil && pr.Body != http.NoBody && pr.ContentLength != 0 {
		r := tee.NewReader(pr.Body, s.captureLimit)
		body, acc = r, r.Accumulator()
	}

	u := tx.Target.URL()
	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, u.String(), body)
	if err != nil {
		return nil, nil, fmt.Errorf("build outbound request: %w", err)
	}
	if body != http.NoBody {
		req.ContentLength = pr.ContentLength
	}
	req.Host = tx.Target.Host

	req.Header = make(http.Header, len(pr.Header))
	copyHeader(req.Header, pr.Header)
	tx.Header = req.Header.Clone()
	if _, ok := req.Header["User-Agent"]; !ok {
		// Keep net/http from adding its own.
		req.Header["User-Agent"] = []string{""}
	}

	return req, acc, nil
}

// inboundBodyError returns the error that stopped the client's request
// body from being read, if any.
func inboundBodyError(acc *tee.Accumulator) error {
	_, err := acc.Bytes()
	if errors.Is(err, tee.ErrPending) || errors.Is(err, tee.ErrAborted) {
		return nil
	}
	return err
}

func (s *ProxyService) dispatch(tx *model.Transaction, pr *model.ProxyRequest, resp *model.ProxyResponse, reqAcc, respAcc *tee.Accumulator) {
	if s.dispatcher == nil {
		return
	}
	respBody, _ := respAcc.Bytes()
	c := &inspect.Capture{
		ID:                tx.ID,
		Target:            tx.Target.String(),
		Method:            pr.Method,
		StartedAt:         tx.StartedAt,
		Duration:          time.Since(tx.StartedAt),
		RequestHeader:     tx.Header,
		StatusCode:        resp.StatusCode,
		Status:            resp.Status,
		ResponseHeader:    resp.Header.Clone(),
		ResponseBody:      respBody,
		ResponseTruncated: respAcc.Truncated(),
	}
	s.dispatcher.Dispatch(c, reqAcc)
}

func (s *ProxyService) transition(tx *model.Transaction, next model.State) {
	if err := tx.Transition(next); err != nil {
		// Only reachable through a programming error in Forward.
		s.logger.Error("transaction transition", "tx_id", tx.ID, "error", err)
		return
	}
	s.logger.Debug("transaction", "tx_id", tx.ID, "target", tx.Target.String(), "state", next)
}

// finish moves tx to a terminal state and records it. kind is set for
// upstream failures.
func (s *ProxyService) finish(tx *model.Transaction, state model.State, kind ErrorKind, attrs ...any) {
	s.transition(tx, state)

	if kind != "" {
		args := append([]any{"tx_id", tx.ID, "target", tx.Target.String(), "state", state, "kind", kind}, attrs...)
		s.logger.Error("upstream failure", args...)
	}

	if s.metrics == nil {
		return
	}
	s.metrics.Transactions.WithLabelValues(string(state)).Inc()
	if kind != "" {
		s.metrics.UpstreamErrors.WithLabelValues(string(kind)).Inc()
	}
}

func (s *ProxyService) countCaptured(reqAcc, respAcc *tee.Accumulator) {
	if s.metrics == nil {
		return
	}
	s.metrics.CapturedBytes.WithLabelValues("request").Add(float64(reqAcc.Size()))
	s.metrics.CapturedBytes.WithLabelValues("response").Add(float64(respAcc.Size()))
}

// upstreamBody remembers the read error of the upstream response body so a
// failed relay can be blamed on the right side.
type upstreamBody struct {
	r   io.Reader
	err error
}

func (b *upstreamBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		b.err = err
	}
	return n, err
}

// copyHeader copies every end-to-end header from src into dst, keeping all
// values. Headers named by src's Connection header are dropped too.
func copyHeader(dst, src http.Header) {
	drop := connectionTokens(src)
	for k, vv := range src {
		ck := http.CanonicalHeaderKey(k)
		if isHopByHop(ck) || drop[ck] {
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
}

func connectionTokens(h http.Header) map[string]bool {
	tokens := make(map[string]bool)
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				tokens[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}
	return tokens
}

func isHopByHop(canonical string) bool {
	for _, h := range hopByHopHeaders {
		if canonical == http.CanonicalHeaderKey(h) {
			return true
		}
	}
	return false
}
