package format

import (
	"mime"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// deltaPaths locate incremental text in streamed completion chunks:
// OpenAI-style chat deltas and Anthropic-style content block deltas.
var deltaPaths = []string{"choices.0.delta.content", "delta.text"}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}

// renderEventStream prints one line per event field, compacting JSON data
// payloads, and appends the text assembled from completion deltas.
func renderEventStream(b []byte, opts Options) string {
	text := strings.ReplaceAll(string(b), "\r\n", "\n")

	var out, assembled strings.Builder
	for _, line := range strings.Split(text, "\n") {
		data, isData := strings.CutPrefix(line, "data:")
		if !isData {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}
		data = strings.TrimPrefix(data, " ")

		if !gjson.Valid(data) {
			out.WriteString("data: " + data + "\n")
			continue
		}
		for _, p := range deltaPaths {
			if r := gjson.Get(data, p); r.Type == gjson.String {
				assembled.WriteString(r.String())
				break
			}
		}
		compact := string(pretty.Ugly([]byte(data)))
		out.WriteString("data: " + compact + "\n")
	}

	rendered := truncate(strings.TrimRight(out.String(), "\n"), opts.MaxBodyChars)
	if assembled.Len() > 0 {
		rendered += "\n\n----- assembled content -----\n" + truncate(assembled.String(), opts.MaxBodyChars)
	}
	return rendered
}
