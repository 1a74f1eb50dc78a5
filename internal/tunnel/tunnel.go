// Package tunnel relays WebSocket sessions between the browser and the backend.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"quik-go/internal/config"
	"quik-go/internal/metrics"
	"quik-go/internal/service"
)

var (
	// ErrBadHandshake is returned when the client's upgrade request is not a valid WebSocket handshake.
	ErrBadHandshake = errors.New("invalid websocket handshake")
	// ErrBackendHandshake is returned when the backend refuses or fails the upgrade.
	ErrBackendHandshake = errors.New("backend websocket handshake failed")
)

const controlWriteTimeout = time.Second

// skipHeaders are not forwarded on the backend handshake; the dialer sets its own.
var skipHeaders = map[string]bool{
	"Connection":               true,
	"Keep-Alive":               true,
	"Proxy-Authorization":      true,
	"Te":                       true,
	"Trailer":                  true,
	"Transfer-Encoding":        true,
	"Upgrade":                  true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
}

// Tunnel completes WebSocket handshakes on both sides and pumps messages between them.
type Tunnel struct {
	backendAddr string
	dialer      *websocket.Dialer
	closeGrace  time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New creates a Tunnel that dials cfg.Backend.
// The metrics parameter is optional; pass nil to disable tunnel metrics recording.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Tunnel {
	nd := &net.Dialer{Timeout: cfg.Backend.ConnectTimeout()}
	return &Tunnel{
		backendAddr: cfg.Backend.Addr(),
		dialer: &websocket.Dialer{
			NetDialContext:   nd.DialContext,
			HandshakeTimeout: cfg.WebSocket.HandshakeTimeout(),
		},
		closeGrace: cfg.WebSocket.CloseGrace(),
		logger:     logger.With("component", "websocket_tunnel"),
		metrics:    m,
	}
}

// Serve handles one upgrade request read from conn through br. The backend
// handshake happens first so that a refused backend yields 502 rather than a
// half-open tunnel. Serve returns once both directions have ended; the caller
// must not use conn afterwards.
func (t *Tunnel) Serve(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request) error {
	if err := validateHandshake(req); err != nil {
		t.record("rejected")
		_ = service.WriteError(conn, http.StatusBadRequest, err.Error(), false)
		return err
	}

	backend, backendResp, err := t.dialBackend(ctx, conn, req)
	if err != nil {
		t.record("backend_failed")
		t.logger.Warn("backend websocket handshake failed",
			"target", req.RequestURI,
			"err", err,
		)
		_ = service.WriteError(conn, http.StatusBadGateway, "backend websocket handshake failed", false)
		return err
	}

	respHeader := http.Header{}
	if sp := backend.Subprotocol(); sp != "" {
		respHeader.Set("Sec-Websocket-Protocol", sp)
	}
	for _, c := range backendResp.Header.Values("Set-Cookie") {
		respHeader.Add("Set-Cookie", c)
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: t.dialer.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	client, err := upgrader.Upgrade(&hijackWriter{conn: conn, br: br, header: http.Header{}}, req, respHeader)
	if err != nil {
		t.record("upgrade_failed")
		_ = backend.Close()
		return fmt.Errorf("upgrade client: %w", err)
	}

	t.record("established")
	t.logger.Debug("websocket tunnel open",
		"target", req.RequestURI,
		"subprotocol", backend.Subprotocol(),
	)

	err = t.pumpBoth(ctx, client, backend)
	t.logger.Debug("websocket tunnel closed", "target", req.RequestURI, "err", err)
	return err
}

func (t *Tunnel) dialBackend(ctx context.Context, conn net.Conn, req *http.Request) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	for k, vs := range req.Header {
		if skipHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		header[k] = vs
	}
	if req.Host != "" {
		header.Set("Host", req.Host)
	}
	if ip, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		header.Set("X-Forwarded-For", ip)
	}

	dialer := *t.dialer
	dialer.Subprotocols = websocket.Subprotocols(req)

	target := "ws://" + t.backendAddr + req.RequestURI
	backend, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, nil, fmt.Errorf("%w: backend answered %s", ErrBackendHandshake, resp.Status)
		}
		return nil, nil, fmt.Errorf("%w: %w", ErrBackendHandshake, err)
	}
	return backend, resp, nil
}

// pumpBoth copies messages in both directions until one side closes, then
// gives the other direction closeGrace to finish before tearing both down.
func (t *Tunnel) pumpBoth(ctx context.Context, client, backend *websocket.Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})

	g.Go(func() error { return pump(backend, client) })
	g.Go(func() error { return pump(client, backend) })

	go func() {
		select {
		case <-finished:
			return
		case <-gctx.Done():
		}
		if ctx.Err() != nil {
			goingAway := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			deadline := time.Now().Add(controlWriteTimeout)
			_ = client.WriteControl(websocket.CloseMessage, goingAway, deadline)
			_ = backend.WriteControl(websocket.CloseMessage, goingAway, deadline)
		}
		select {
		case <-finished:
		case <-time.After(t.closeGrace):
		}
		_ = client.Close()
		_ = backend.Close()
	}()

	err := g.Wait()
	close(finished)
	_ = client.Close()
	_ = backend.Close()

	if isNormalClose(err) {
		return nil
	}
	return err
}

// pump forwards data messages from src to dst with their type preserved.
// Pings and pongs are forwarded rather than answered, and a close frame from
// src is passed on to dst.
func pump(dst, src *websocket.Conn) error {
	src.SetPingHandler(func(data string) error {
		return forwardControl(dst, websocket.PingMessage, []byte(data))
	})
	src.SetPongHandler(func(data string) error {
		return forwardControl(dst, websocket.PongMessage, []byte(data))
	})

	for {
		mt, r, err := src.NextReader()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				_ = forwardControl(dst, websocket.CloseMessage, closePayload(ce))
			}
			return err
		}
		w, err := dst.NextWriter(mt)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, r); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
}

func forwardControl(dst *websocket.Conn, mt int, data []byte) error {
	err := dst.WriteControl(mt, data, time.Now().Add(controlWriteTimeout))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// closePayload rebuilds a close frame. Codes that may not appear on the wire
// are replaced with ones that can.
func closePayload(ce *websocket.CloseError) []byte {
	switch ce.Code {
	case websocket.CloseNoStatusReceived:
		return websocket.FormatCloseMessage(websocket.CloseNoStatusReceived, "")
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	}
	return websocket.FormatCloseMessage(ce.Code, ce.Text)
}

func isNormalClose(err error) bool {
	return err == nil || websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || errors.Is(err, net.ErrClosed)
}

func (t *Tunnel) record(result string) {
	if t.metrics != nil {
		t.metrics.WebSocketTunnels.WithLabelValues(result).Inc()
	}
}

// validateHandshake checks the parts of an upgrade request the backend
// handshake depends on, before anything is dialed.
func validateHandshake(req *http.Request) error {
	if req.Method != http.MethodGet {
		return fmt.Errorf("%w: method %s", ErrBadHandshake, req.Method)
	}
	if !websocket.IsWebSocketUpgrade(req) {
		return fmt.Errorf("%w: missing upgrade tokens", ErrBadHandshake)
	}
	if strings.TrimSpace(req.Header.Get("Sec-Websocket-Version")) != "13" {
		return fmt.Errorf("%w: unsupported version", ErrBadHandshake)
	}
	if strings.TrimSpace(req.Header.Get("Sec-Websocket-Key")) == "" {
		return fmt.Errorf("%w: missing key", ErrBadHandshake)
	}
	return nil
}

// hijackWriter lets websocket.Upgrader complete a handshake on a connection
// that was read outside net/http.
type hijackWriter struct {
	conn        net.Conn
	br          *bufio.Reader
	header      http.Header
	wroteHeader bool
}

func (w *hijackWriter) Header() http.Header {
	return w.header
}

// WriteHeader is only reached on a failed upgrade.
func (w *hijackWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.header.Del("Content-Length")
	_ = service.WriteHead(w.conn, service.StatusLine(code), w.header, false)
}

func (w *hijackWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.conn.Write(p)
}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, bufio.NewReadWriter(w.br, bufio.NewWriter(w.conn)), nil
}
