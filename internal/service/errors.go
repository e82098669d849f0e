package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies why an upstream exchange failed.
type ErrorKind string

const (
	KindDNS               ErrorKind = "dns"
	KindRefused           ErrorKind = "refused"
	KindTimeout           ErrorKind = "timeout"
	KindCanceled          ErrorKind = "canceled"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindRequestBody       ErrorKind = "request_body"
	KindOther             ErrorKind = "other"
)

// UpstreamError is returned when the target could not be reached or did
// not produce a usable response. Committed reports whether the response
// status had already been sent to the client.
type UpstreamError struct {
	Kind      ErrorKind
	Committed bool
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// classify maps a transport error to its ErrorKind.
func classify(err error) ErrorKind {
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return KindMalformedResponse
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindMalformedResponse
	}
	// net/http reports unparsable responses as unexported, untyped errors.
	if strings.Contains(err.Error(), "malformed HTTP") {
		return KindMalformedResponse
	}

	return KindOther
}
