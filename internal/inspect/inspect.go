// Package inspect receives the captured bodies of completed proxy
// transactions and turns them into diagnostic output.
package inspect

import (
	"net/http"
	"time"
)

// Capture is everything recorded about one completed transaction.
// Sinks must treat it as read-only.
type Capture struct {
	ID        string
	Target    string
	Method    string
	StartedAt time.Time
	Duration  time.Duration // until the last response byte was relayed

	RequestHeader    http.Header
	RequestBody      []byte
	RequestTruncated bool
	RequestErr       error // set when the request copy is unusable; RequestBody is then nil

	StatusCode        int
	Status            string
	ResponseHeader    http.Header
	ResponseBody      []byte
	ResponseTruncated bool
}

// Sink consumes captures. Implementations may be slow or fail; neither
// affects the relayed traffic.
type Sink interface {
	Inspect(c *Capture) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(c *Capture) error

// Inspect calls f(c).
func (f SinkFunc) Inspect(c *Capture) error {
	return f(c)
}

// Nop is a Sink that discards every capture.
var Nop Sink = SinkFunc(func(*Capture) error { return nil })
