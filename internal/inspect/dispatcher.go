package inspect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/elastic/llm-debug-proxy/internal/metrics"
	"github.com/elastic/llm-debug-proxy/internal/tee"
)

// DefaultSettleTimeout bounds how long a dispatch waits for the request copy
// to be sealed after the response has completed.
const DefaultSettleTimeout = 5 * time.Second

// ErrRequestUnsettled is recorded when the request copy was still open at
// the end of the settle timeout.
var ErrRequestUnsettled = errors.New("request body still streaming when the response ended")

// Dispatcher hands captures to a Sink off the request path. Sink errors and
// panics are logged and counted, never propagated.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	settle  time.Duration

	mu     sync.Mutex
	closed bool
	wg     conc.WaitGroup
}

// NewDispatcher creates a Dispatcher for sink. The metrics parameter is optional.
func NewDispatcher(sink Sink, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		sink:    sink,
		logger:  logger.With("component", "inspect_dispatcher"),
		metrics: m,
		settle:  DefaultSettleTimeout,
	}
}

// SetSettleTimeout overrides DefaultSettleTimeout.
func (d *Dispatcher) SetSettleTimeout(timeout time.Duration) {
	d.settle = timeout
}

// Dispatch schedules c for inspection. When req is non-nil the request body
// is taken from it once it has been sealed; c.RequestBody is then replaced.
// Dispatch never blocks on the sink.
func (d *Dispatcher) Dispatch(c *Capture, req *tee.Accumulator) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Warn("capture dropped after shutdown", "tx_id", c.ID)
		return
	}
	d.wg.Go(func() {
		if req != nil {
			d.settleRequest(c, req)
		}
		d.run(c)
	})
}

func (d *Dispatcher) settleRequest(c *Capture, req *tee.Accumulator) {
	ctx, cancel := context.WithTimeout(context.Background(), d.settle)
	defer cancel()

	body, err := req.Wait(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.RequestErr = ErrRequestUnsettled
	case err != nil:
		c.RequestErr = err
	default:
		c.RequestBody = body
		c.RequestTruncated = req.Truncated()
	}
}

func (d *Dispatcher) run(c *Capture) {
	var err error
	if r := panics.Try(func() { err = d.sink.Inspect(c) }); r != nil {
		err = fmt.Errorf("sink panic: %w", r.AsError())
		d.logger.Debug("sink panic stack", "tx_id", c.ID, "stack", string(r.Stack))
	}
	if err == nil {
		return
	}
	d.logger.Error("inspection failed", "tx_id", c.ID, "target", c.Target, "error", err)
	if d.metrics != nil {
		d.metrics.InspectionFailures.Inc()
	}
}

// Close stops accepting captures and waits for scheduled ones to finish,
// or until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("inspect: drain: %w", ctx.Err())
	}
}
