package tee

import (
	"errors"
	"io"
	"net/http"
)

const chunkSize = 32 * 1024

// Reader tees a source stream for a consumer that pulls from it, such as
// an outbound request body read by the HTTP transport. Nothing is read from
// the source until the consumer asks, so the consumer's pace is the
// source's pace.
type Reader struct {
	src io.ReadCloser
	acc *Accumulator
}

// NewReader wraps src. limit is the Accumulator retention limit.
func NewReader(src io.ReadCloser, limit int64) *Reader {
	return &Reader{src: src, acc: NewAccumulator(limit)}
}

// Accumulator returns the copy being retained by r.
func (r *Reader) Accumulator() *Accumulator {
	return r.acc
}

// Read implements io.Reader. io.EOF finalizes the accumulator; any other
// error fails it and is returned to the consumer unchanged.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.acc.append(p[:n])
	}
	switch {
	case errors.Is(err, io.EOF):
		r.acc.finalize()
	case err != nil:
		r.acc.fail(err)
	}
	return n, err
}

// Close closes the source. Closing before end of stream fails the accumulator.
func (r *Reader) Close() error {
	err := r.src.Close()
	r.acc.fail(ErrAborted)
	return err
}

// errorCloser is implemented by sinks that can carry a stream error to
// their own reader, like *io.PipeWriter.
type errorCloser interface {
	CloseWithError(err error) error
}

// Copy pushes src into dst one chunk at a time, retaining each chunk once
// dst has accepted it. The next chunk is not read until the previous write
// has returned, so a slow dst slows the reads from src. If dst is an
// http.Flusher, each chunk is flushed as it is written.
//
// On io.EOF the accumulator is finalized after the last flush and Copy
// returns nil. A read error fails the accumulator and is passed on to dst if
// it can carry one; a write error fails the accumulator. Both are returned.
func Copy(dst io.Writer, src io.Reader, limit int64) (*Accumulator, error) {
	acc := NewAccumulator(limit)
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, chunkSize)

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				acc.fail(werr)
				return acc, werr
			}
			acc.append(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(rerr, io.EOF) {
			acc.finalize()
			return acc, nil
		}
		if rerr != nil {
			acc.fail(rerr)
			if ec, ok := dst.(errorCloser); ok {
				_ = ec.CloseWithError(rerr)
			}
			return acc, rerr
		}
	}
}
