// Package target validates the caller-supplied destination of a proxied request.
package target

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrInvalidTarget is returned for a missing, malformed or unsupported target URL.
var ErrInvalidTarget = errors.New("invalid target_url")

// Supported schemes.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Descriptor is a validated target URL. Scheme and Host are never empty.
type Descriptor struct {
	Scheme string
	Host   string // host[:port], as sent in the Host header
	Path   string
	Raw    string

	u url.URL
}

// URL returns a copy of the parsed target, safe for the caller to modify.
func (d Descriptor) URL() *url.URL {
	u := d.u
	if d.u.User != nil {
		user := *d.u.User
		u.User = &user
	}
	return &u
}

// String returns the target URL as it will be requested upstream.
func (d Descriptor) String() string {
	return d.u.String()
}

// Resolve parses raw into a Descriptor. Only absolute http and https URLs
// with a non-empty host are accepted; fragments are dropped.
func Resolve(raw string) (Descriptor, error) {
	if raw == "" {
		return Descriptor{}, fmt.Errorf("%w: missing", ErrInvalidTarget)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if !u.IsAbs() || u.Opaque != "" {
		return Descriptor{}, fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidTarget, raw)
	}
	if u.Scheme != SchemeHTTP && u.Scheme != SchemeHTTPS {
		return Descriptor{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Hostname() == "" {
		return Descriptor{}, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}

	u.Fragment = ""
	u.RawFragment = ""

	return Descriptor{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   u.Path,
		Raw:    raw,
		u:      *u,
	}, nil
}
