package inspect

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/elastic/llm-debug-proxy/internal/format"
)

const rule = "────────────────────────────────────────────────────"

// ConsoleSink prints each capture as a block of human-readable text.
type ConsoleSink struct {
	mu            sync.Mutex // one capture block at a time
	out           io.Writer
	opts          format.Options
	showHeaders   bool
	bannerHeaders []string

	heading *color.Color
	ok      *color.Color
	fail    *color.Color
	dim     *color.Color
}

// ConsoleOptions configures a ConsoleSink.
type ConsoleOptions struct {
	Format        format.Options
	ShowHeaders   bool
	BannerHeaders []string // response headers printed under the target, when present
}

// NewConsoleSink creates a ConsoleSink writing to out.
func NewConsoleSink(out io.Writer, opts ConsoleOptions) *ConsoleSink {
	s := &ConsoleSink{
		out:           out,
		opts:          opts.Format,
		showHeaders:   opts.ShowHeaders,
		bannerHeaders: opts.BannerHeaders,
		heading:       color.New(color.FgCyan, color.Bold),
		ok:            color.New(color.FgGreen),
		fail:          color.New(color.FgRed),
		dim:           color.New(color.Faint),
	}
	if opts.Format.NoColor {
		for _, c := range []*color.Color{s.heading, s.ok, s.fail, s.dim} {
			c.DisableColor()
		}
	}
	return s
}

// Inspect writes c to the sink's output.
func (s *ConsoleSink) Inspect(c *Capture) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n🌍  Target URL: %s\n%s\n\n", rule, c.Target, rule)

	for _, name := range s.bannerHeaders {
		if v := c.ResponseHeader.Get(name); v != "" {
			fmt.Fprintf(&b, "🚀  %s: %s\n", displayName(name), v)
		}
	}

	status := c.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", c.StatusCode, http.StatusText(c.StatusCode))
	}
	if c.StatusCode >= 200 && c.StatusCode < 300 {
		b.WriteString(s.ok.Sprintf("✅️ %s", status))
	} else {
		b.WriteString(s.fail.Sprintf("❌️ %s", status))
	}
	b.WriteString(s.dim.Sprintf("  %s %s", c.Method, c.Duration.Round(time.Millisecond)))
	b.WriteString("\n\n")

	if s.showHeaders {
		b.WriteString(s.heading.Sprint("===== Request Headers ====="))
		b.WriteByte('\n')
		writeHeaders(&b, c.RequestHeader)
		b.WriteByte('\n')
	}

	b.WriteString(s.heading.Sprint("===== Request Body ====="))
	b.WriteByte('\n')
	switch {
	case c.RequestErr != nil:
		b.WriteString(s.fail.Sprintf("<not captured: %v>", c.RequestErr))
	default:
		b.WriteString(format.RequestBody(c.RequestBody, s.opts))
		if c.RequestTruncated {
			b.WriteString(s.dim.Sprint("\n(capture limit reached; body truncated)"))
		}
	}
	b.WriteString("\n\n")

	if s.showHeaders {
		b.WriteString(s.heading.Sprint("===== Response Headers ====="))
		b.WriteByte('\n')
		writeHeaders(&b, c.ResponseHeader)
		b.WriteByte('\n')
	}

	b.WriteString(s.heading.Sprint("===== Response Body ====="))
	b.WriteByte('\n')
	meta := format.ResponseMeta{StatusCode: c.StatusCode, Header: c.ResponseHeader}
	b.WriteString(format.ResponseBody(c.ResponseBody, meta, s.opts))
	if c.ResponseTruncated {
		b.WriteString(s.dim.Sprint("\n(capture limit reached; body truncated)"))
	}
	b.WriteString("\n\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	w := bufio.NewWriter(s.out)
	if _, err := w.WriteString(b.String()); err != nil {
		return fmt.Errorf("write capture: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write capture: %w", err)
	}
	return nil
}

// displayName turns a header such as "Elastic-Interceptor" into "Interceptor"
// by dropping the vendor prefix.
func displayName(header string) string {
	parts := strings.Split(header, "-")
	if len(parts) > 1 {
		return strings.Join(parts[1:], "-")
	}
	return header
}

func writeHeaders(b *strings.Builder, h http.Header) {
	if len(h) == 0 {
		b.WriteString("<none>\n")
		return
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			fmt.Fprintf(b, "%s: %s\n", k, v)
		}
	}
}
