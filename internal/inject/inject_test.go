package inject

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInject_InsertionPoint(t *testing.T) {
	f := New("/__quik/events")
	s := string(f.Snippet())

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "before closing body",
			in:   "<html><body>Hi</body></html>",
			want: "<html><body>Hi" + s + "</body></html>",
		},
		{
			name: "closing body is case-insensitive",
			in:   "<HTML><BODY>Hi</BoDy></HTML>",
			want: "<HTML><BODY>Hi" + s + "</BoDy></HTML>",
		},
		{
			name: "falls back to closing html",
			in:   "<html><p>no body tag</p></html>",
			want: "<html><p>no body tag</p>" + s + "</html>",
		},
		{
			name: "appends without markers",
			in:   "<p>fragment</p>",
			want: "<p>fragment</p>" + s,
		},
		{
			name: "empty body",
			in:   "",
			want: s,
		},
		{
			name: "last closing body wins",
			in:   `<body><script>var t="</body>";</script></body>`,
			want: `<body><script>var t="</body>";</script>` + s + "</body>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.Inject([]byte(tt.in))
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestInject_LengthAndExactlyOnce(t *testing.T) {
	f := New("/__quik/events")
	bodies := []string{
		"<html><body>Hi</body></html>",
		"<html><body>a</body><body>b</body></html>",
		"plain",
		strings.Repeat("<div>x</div>", 1000) + "</body>",
	}

	for _, body := range bodies {
		got := f.Inject([]byte(body))
		assert.Len(t, got, len(body)+len(f.Snippet()))
		assert.Equal(t, 1, bytes.Count(got, f.Snippet()))
	}
}

func TestInject_PreservesNonUTF8Bytes(t *testing.T) {
	f := New("/__quik/events")
	// Latin-1 encoded "café" followed by an invalid UTF-8 sequence.
	in := []byte("<html><body>caf\xe9 \xff\xfe</BODY></html>")

	got := f.Inject(in)
	require.Len(t, got, len(in)+len(f.Snippet()))

	at := bytes.Index(got, f.Snippet())
	require.GreaterOrEqual(t, at, 0)
	rebuilt := append(append([]byte{}, got[:at]...), got[at+len(f.Snippet()):]...)
	assert.Equal(t, in, rebuilt)
}

func TestInject_DoesNotModifyInput(t *testing.T) {
	f := New("/__quik/events")
	in := []byte("<body></body>")
	orig := append([]byte{}, in...)

	_ = f.Inject(in)
	assert.Equal(t, orig, in)
}

func TestSnippet_ReferencesEventsPath(t *testing.T) {
	f := New("/__custom/stream")
	s := string(f.Snippet())

	assert.True(t, strings.HasPrefix(s, "<script"))
	assert.True(t, strings.HasSuffix(s, "</script>"))
	assert.Contains(t, s, `new EventSource("/__custom/stream")`)
	assert.Contains(t, s, "location.reload()")
}

func TestIsHTML(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"TEXT/HTML;charset=ISO-8859-1", true},
		{"text/html; charset", true},
		{"text/css", false},
		{"application/json", false},
		{"application/xhtml+xml", false},
		{"text/htmlx", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, IsHTML(tt.contentType))
		})
	}
}
