// Package tee duplicates byte streams: every chunk continues to its
// destination unchanged while a copy is retained in an Accumulator for
// inspection once the stream has ended.
package tee

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

var (
	// ErrPending is returned by Bytes while the source has not yet ended.
	ErrPending = errors.New("tee: stream still in progress")
	// ErrAborted marks a stream that was closed before reaching end of stream.
	ErrAborted = errors.New("tee: stream closed before end of stream")
)

type state int

const (
	statePending state = iota
	stateFinalized
	stateFailed
)

// Accumulator is the retained copy of one stream. It is append-only while
// the stream is running and becomes read-only exactly once, when the
// stream either ends (finalized) or errors (failed).
type Accumulator struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	size      int64
	truncated bool
	state     state
	err       error
	done      chan struct{}
}

// NewAccumulator returns an empty pending Accumulator. A positive limit caps
// the number of retained bytes; bytes past the cap are counted but dropped.
func NewAccumulator(limit int64) *Accumulator {
	return &Accumulator{
		limit: limit,
		done:  make(chan struct{}),
	}
}

// Finalized returns an Accumulator that already holds b, for streams known to be empty.
func Finalized(b []byte) *Accumulator {
	a := NewAccumulator(0)
	a.append(b)
	a.finalize()
	return a
}

func (a *Accumulator) append(p []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != statePending {
		return
	}
	a.size += int64(len(p))
	if a.limit > 0 {
		room := a.limit - int64(a.buf.Len())
		if room <= 0 {
			a.truncated = a.truncated || len(p) > 0
			return
		}
		if int64(len(p)) > room {
			p = p[:room]
			a.truncated = true
		}
	}
	a.buf.Write(p)
}

// finalize seals the accumulator as complete. It is a no-op once sealed.
func (a *Accumulator) finalize() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != statePending {
		return
	}
	a.state = stateFinalized
	close(a.done)
}

// fail seals the accumulator as failed and drops the partial bytes.
// It is a no-op once sealed.
func (a *Accumulator) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != statePending {
		return
	}
	a.state = stateFailed
	a.err = err
	a.buf = bytes.Buffer{}
	close(a.done)
}

// Done is closed once the accumulator is finalized or failed.
func (a *Accumulator) Done() <-chan struct{} {
	return a.done
}

// Bytes returns the retained stream. It returns ErrPending while the stream
// is running and the stream error once it has failed.
func (a *Accumulator) Bytes() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case statePending:
		return nil, ErrPending
	case stateFailed:
		return nil, a.err
	}
	return a.buf.Bytes(), nil
}

// Wait blocks until the accumulator is sealed or ctx is done, then behaves like Bytes.
func (a *Accumulator) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-a.done:
		return a.Bytes()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size is the number of bytes that passed through, including any not retained.
func (a *Accumulator) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Truncated reports whether bytes were dropped because of the retention limit.
func (a *Accumulator) Truncated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.truncated
}
