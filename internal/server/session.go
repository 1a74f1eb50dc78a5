package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"

	"quik-go/internal/model"
	"quik-go/internal/service"
)

// errMalformedRequest marks a request whose head cannot be relayed safely.
var errMalformedRequest = errors.New("malformed request")

// Classify returns the protocol that serves req.
func Classify(req *http.Request, eventsPath string) model.Protocol {
	if httpguts.HeaderValuesContainsToken(req.Header["Connection"], "upgrade") &&
		httpguts.HeaderValuesContainsToken(req.Header["Upgrade"], "websocket") {
		return model.ProtocolWebSocket
	}
	if req.URL != nil && req.URL.Path == eventsPath && acceptsEventStream(req.Header) {
		return model.ProtocolSSE
	}
	return model.ProtocolHTTP
}

func acceptsEventStream(h http.Header) bool {
	for _, v := range h.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			mediaType, _, _ := strings.Cut(part, ";")
			if strings.EqualFold(strings.TrimSpace(mediaType), "text/event-stream") {
				return true
			}
		}
	}
	return false
}

// validateRequest rejects heads that parsed but would break framing when relayed.
func validateRequest(req *http.Request) error {
	if !httpguts.ValidHostHeader(req.Host) {
		return errMalformedRequest
	}
	for name, values := range req.Header {
		if !httpguts.ValidHeaderFieldName(name) {
			return errMalformedRequest
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return errMalformedRequest
			}
		}
	}
	return nil
}

// serveConn runs one session. Requests are handled one at a time in arrival
// order. Every request is classified, since browsers reuse a kept-alive
// connection for EventSource and WebSocket requests.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, id string) {
	logger := s.logger.With("session", id, "remote", conn.RemoteAddr().String())
	br := bufio.NewReader(conn)

	for first := true; ctx.Err() == nil; first = false {
		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Debug("closing session on unreadable request", "err", err)
			}
			return
		}
		if err := validateRequest(req); err != nil {
			logger.Debug("closing session", "err", err)
			return
		}

		proto := Classify(req, s.eventsPath)
		if s.metrics != nil && (first || proto != model.ProtocolHTTP) {
			s.metrics.SessionsTotal.WithLabelValues(string(proto)).Inc()
		}

		switch proto {
		case model.ProtocolWebSocket:
			if err := s.tunnel.Serve(ctx, conn, br, req); err != nil {
				logger.Debug("websocket session ended", "err", err)
			}
			return
		case model.ProtocolSSE:
			s.serveEvents(ctx, conn, br, logger)
			return
		}

		if !s.relayHTTP(ctx, conn, br, req, logger) {
			return
		}
	}
}

// relayHTTP forwards one request and writes its response. It reports whether
// the connection can carry another request.
func (s *Server) relayHTTP(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request, logger *slog.Logger) bool {
	start := time.Now()
	clientKeepAlive := !req.Close

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, err := s.relay.Prepare(ctx, req, conn.RemoteAddr().String())
	if err != nil {
		status, msg := service.ErrorResponse(err)
		logger.Warn("request rejected", "method", req.Method, "target", req.RequestURI, "err", err)
		_ = service.WriteError(conn, status, msg, false)
		return false
	}

	body := &trackedBody{r: pr.Body, remaining: pr.ContentLength, done: make(chan struct{})}
	if body.remaining <= 0 {
		body.finish()
	}
	pr.Body = body

	stopWatch := watchClose(conn, br, body.done, cancel)

	resp, err := s.relay.Forward(pr)
	if err != nil {
		stopWatch()
		if ctx.Err() != nil {
			logger.Debug("client went away during backend request", "target", req.RequestURI)
			return false
		}
		status, msg := service.ErrorResponse(err)
		keep := clientKeepAlive && body.complete()
		logger.Warn("backend request failed",
			"method", req.Method,
			"target", req.RequestURI,
			"status", status,
			"err", err,
		)
		if err := service.WriteError(conn, status, msg, keep); err != nil {
			return false
		}
		return keep
	}

	keep, err := s.relay.WriteResponse(conn, req.Method, resp, clientKeepAlive)
	stopWatch()
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("relaying response failed", "target", req.RequestURI, "err", err)
		}
		return false
	}

	logger.Info("request",
		"method", req.Method,
		"target", req.RequestURI,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return keep && ctx.Err() == nil
}

// watchClose cancels the relay if the client hangs up once its request body
// has been forwarded. The returned function stops the watcher and leaves br
// ready for the next request; any bytes the peek pulled in stay buffered.
func watchClose(conn net.Conn, br *bufio.Reader, bodyDone <-chan struct{}, cancel context.CancelFunc) func() {
	stop := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		select {
		case <-bodyDone:
		case <-stop:
			return
		}
		if _, err := br.Peek(1); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			cancel()
		}
	}()

	return func() {
		close(stop)
		_ = conn.SetReadDeadline(time.Unix(1, 0))
		<-exited
		_ = conn.SetReadDeadline(time.Time{})
	}
}

// trackedBody closes done once the declared request body has been read in full.
type trackedBody struct {
	r         io.Reader
	remaining int64
	done      chan struct{}
	once      sync.Once
}

func (b *trackedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if b.remaining <= 0 {
		b.finish()
	}
	return n, err
}

func (b *trackedBody) finish() {
	b.once.Do(func() { close(b.done) })
}

func (b *trackedBody) complete() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// serveEvents turns the session into a reload event stream. The hub owns the
// connection from subscription on; the session only waits for it to end.
func (s *Server) serveEvents(ctx context.Context, conn net.Conn, br *bufio.Reader, logger *slog.Logger) {
	header := http.Header{
		"Content-Type":  {"text/event-stream"},
		"Cache-Control": {"no-cache"},
	}
	if err := service.WriteHead(conn, service.StatusLine(http.StatusOK), header, false); err != nil {
		return
	}

	sub := s.hub.Subscribe(conn)
	defer s.hub.Remove(sub.ID)
	logger.Debug("event stream open", "subscriber", sub.ID)

	readErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, br)
		readErr <- err
	}()

	select {
	case <-readErr:
	case <-sub.Done():
	case <-ctx.Done():
	}
	logger.Debug("event stream closed", "subscriber", sub.ID)
}
