// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents an inbound request to be forwarded to its target.
type ProxyRequest struct {
	Ctx           context.Context
	ID            string
	Method        string
	TargetURL     string // raw target_url query parameter
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser
}
