// Package inject inserts the live-reload client into HTML documents.
package inject

import (
	"fmt"
	"mime"
	"strings"
)

// clientScript opens an EventSource on the events path and reloads on any message.
// On a broken stream it waits briefly and reloads, which also picks up a restarted proxy.
const clientScript = `<script data-quik-reload>(function(){` +
	`var es=new EventSource(%q);` +
	`es.onmessage=function(){location.reload()};` +
	`es.onerror=function(){es.close();setTimeout(function(){location.reload()},1000)}` +
	`})();</script>`

// Filter rewrites HTML bodies to carry the reload snippet.
type Filter struct {
	snippet []byte
}

// New creates a Filter whose snippet subscribes to eventsPath.
func New(eventsPath string) *Filter {
	return &Filter{snippet: []byte(fmt.Sprintf(clientScript, eventsPath))}
}

// Snippet returns the bytes inserted into every HTML body.
func (f *Filter) Snippet() []byte {
	return f.snippet
}

// Inject returns a copy of body with the snippet inserted exactly once:
// before the last case-insensitive </body>, else before the last </html>,
// else at the end. No other bytes are touched, so
// len(result) == len(body)+len(f.Snippet()).
func (f *Filter) Inject(body []byte) []byte {
	at := lastIndexFold(body, "</body>")
	if at < 0 {
		at = lastIndexFold(body, "</html>")
	}
	if at < 0 {
		at = len(body)
	}

	out := make([]byte, 0, len(body)+len(f.snippet))
	out = append(out, body[:at]...)
	out = append(out, f.snippet...)
	out = append(out, body[at:]...)
	return out
}

// IsHTML reports whether a Content-Type header value denotes an HTML document.
func IsHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Tolerate malformed parameters; the media type still decides.
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return strings.EqualFold(mediaType, "text/html")
}

// lastIndexFold returns the index of the last ASCII case-insensitive match of
// marker in b, or -1. marker must be ASCII lower case. Non-ASCII bytes never
// match, so the body is never decoded.
func lastIndexFold(b []byte, marker string) int {
	n := len(marker)
outer:
	for i := len(b) - n; i >= 0; i-- {
		for j := 0; j < n; j++ {
			c := b[i+j]
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			if c != marker[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}
