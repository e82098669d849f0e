// Package format renders captured request and response bodies for humans.
// Formatting never changes what was relayed; it only works on the copy.
package format

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// Options controls rendering. The zero value pretty-prints in colour with no length limit.
type Options struct {
	Raw          bool // print bodies exactly as captured
	NoColor      bool
	MaxBodyChars int // 0 means no limit
}

// ResponseMeta is the part of the upstream response that affects rendering.
type ResponseMeta struct {
	StatusCode int
	Header     http.Header
}

// RequestBody renders a captured request body.
func RequestBody(raw []byte, opts Options) string {
	if opts.Raw {
		return truncate(string(raw), opts.MaxBodyChars)
	}
	return renderBody(raw, opts)
}

// ResponseBody renders a captured response body, undoing any content
// encoding and splitting event streams into their events.
func ResponseBody(raw []byte, meta ResponseMeta, opts Options) string {
	if opts.Raw {
		return truncate(string(raw), opts.MaxBodyChars)
	}

	body := raw
	var note string
	if enc := meta.Header.Get("Content-Encoding"); enc != "" && len(raw) > 0 {
		decoded, err := decode(raw, enc)
		if err != nil {
			note = fmt.Sprintf("(could not decode %q body: %v)\n", enc, err)
		} else {
			body = decoded
		}
	}

	if isEventStream(meta.Header.Get("Content-Type")) && utf8.Valid(body) {
		return note + renderEventStream(body, opts)
	}
	return note + renderBody(body, opts)
}

func renderBody(b []byte, opts Options) string {
	switch {
	case len(bytes.TrimSpace(b)) == 0:
		return "<empty>"
	case !utf8.Valid(b):
		return fmt.Sprintf("<binary, %s>", humanize.Bytes(uint64(len(b))))
	case gjson.ValidBytes(b):
		out := strings.TrimRight(string(pretty.Pretty(b)), "\n")
		return colorJSON(truncate(out, opts.MaxBodyChars), opts)
	}
	return truncate(string(b), opts.MaxBodyChars)
}

func colorJSON(s string, opts Options) string {
	if opts.NoColor {
		return s
	}
	return string(pretty.Color([]byte(s), nil))
}

// truncate cuts s to max runes and notes how much was dropped.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	n := utf8.RuneCountInString(s)
	if n <= max {
		return s
	}
	i := 0
	for j := range s {
		if i == max {
			return s[:j] + fmt.Sprintf("... (%d more characters)", n-max)
		}
		i++
	}
	return s
}
