// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Protocol is the kind of traffic a request carries. Each request on a
// connection is classified; WebSocket and SSE take over the connection.
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
	ProtocolSSE       Protocol = "sse"
)

// Strategy is how a backend response body reaches the client.
// It is chosen once per response from its headers.
type Strategy string

const (
	// StrategyBufferedRewrite buffers an HTML body and injects the reload snippet.
	StrategyBufferedRewrite Strategy = "buffered_rewrite"
	// StrategyPassthrough streams the body byte-for-byte with its original framing.
	StrategyPassthrough Strategy = "passthrough"
)

// Reload reasons raised by the file watcher and the admin API.
const (
	ReasonStaticChange   = "static-change"
	ReasonTemplateChange = "template-change"
	ReasonManual         = "manual"
)

// ReloadSignal is a request to reload every subscribed browser.
// It is never queued: with no subscribers it is dropped.
type ReloadSignal struct {
	Reason string
	At     time.Time
}

// ProxyRequest represents a client request to be forwarded to the backend.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Target        string // request-target exactly as the client sent it
	Host          string
	Header        http.Header
	Body          io.Reader
	ContentLength int64 // must be known; chunked client bodies are buffered first
}

// ProxyResponse represents the backend response head plus two views of its body.
// Exactly one of Body or Raw may be consumed.
type ProxyResponse struct {
	StatusCode       int
	Status           string // e.g. "200 OK"
	Header           http.Header
	ContentLength    int64 // -1 when unknown
	TransferEncoding []string

	// Body yields the payload with transfer framing removed. Closing it
	// releases the backend connection.
	Body io.ReadCloser
	// Raw yields the bytes that followed the header block, untouched.
	Raw io.Reader
}
