// Package client provides the loopback connection to the backend application server.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"quik-go/internal/config"
	"quik-go/internal/metrics"
	"quik-go/internal/model"
)

// ProtoVersion is the HTTP version advertised to the backend. Speaking HTTP/1.0
// with one connection per request keeps framing simple: the backend either sends
// Content-Length or closes the connection after the body.
const ProtoVersion = "HTTP/1.0"

var (
	// ErrBackendUnavailable is returned when the backend cannot be dialed.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrBackendTimeout is returned when the backend stops sending within the read timeout.
	ErrBackendTimeout = errors.New("backend timed out")
)

// BackendClient opens a dedicated backend connection for every request.
type BackendClient struct {
	addr        string
	dialer      *net.Dialer
	readTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewBackendClient creates a BackendClient for cfg.Backend.
// The metrics parameter is optional; pass nil to disable backend metrics recording.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	return &BackendClient{
		addr: cfg.Backend.Addr(),
		dialer: &net.Dialer{
			Timeout:   cfg.Backend.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		},
		readTimeout: cfg.Backend.ReadTimeout(),
		logger:      logger.With("component", "backend_client"),
		metrics:     m,
	}
}

// Addr returns the backend host:port.
func (c *BackendClient) Addr() string {
	return c.addr
}

// Dial opens a connection to the backend. Canceling ctx closes the returned
// connection, which aborts any read or write in progress. The returned stop
// function detaches ctx and must be called once the connection is done with.
func (c *BackendClient) Dial(ctx context.Context) (conn net.Conn, stop func() bool, err error) {
	conn, err = c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.recordError("dial")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, fmt.Errorf("%w: dial %s: %w", ErrBackendUnavailable, c.addr, err)
	}
	stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	return conn, stop, nil
}

// Do sends pr to the backend as an HTTP/1.0 request and reads the response head.
// The caller is responsible for closing the response body, which also closes the
// backend connection. When pr.Ctx is canceled (e.g. the client disconnects), the
// backend connection is closed.
func (c *BackendClient) Do(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	c.logger.Debug("backend request",
		"method", pr.Method,
		"target", pr.Target,
	)

	start := time.Now()
	method := metrics.NormalizeMethod(pr.Method)

	conn, stop, err := c.Dial(pr.Ctx)
	if err != nil {
		return nil, err
	}
	release := sync.OnceFunc(func() {
		stop()
		_ = conn.Close()
	})

	rc := &idleTimeoutConn{Conn: conn, timeout: c.readTimeout}
	if err := writeRequest(rc, pr); err != nil {
		release()
		return nil, c.classify(pr.Ctx, "write", fmt.Errorf("write request: %w", err))
	}

	br := bufio.NewReader(rc)
	resp, err := http.ReadResponse(br, &http.Request{Method: pr.Method})
	if err != nil {
		release()
		return nil, c.classify(pr.Ctx, "read", fmt.Errorf("read response: %w", err))
	}

	if c.metrics != nil {
		c.metrics.BackendDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}

	return &model.ProxyResponse{
		StatusCode:       resp.StatusCode,
		Status:           resp.Status,
		Header:           resp.Header,
		ContentLength:    resp.ContentLength,
		TransferEncoding: resp.TransferEncoding,
		Body: &bodyCloser{
			Reader:  resp.Body,
			release: release,
			client:  c,
			ctx:     pr.Ctx,
		},
		Raw: &rawReader{r: br, client: c, ctx: pr.Ctx},
	}, nil
}

// classify maps a transport error to a sentinel and records it.
func (c *BackendClient) classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.recordError("canceled")
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.recordError("timeout")
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	}
	c.recordError(op)
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

func (c *BackendClient) recordError(kind string) {
	if c.metrics != nil {
		c.metrics.BackendErrors.WithLabelValues(kind).Inc()
	}
}

// writeRequest serializes pr in HTTP/1.0 form.
func writeRequest(w io.Writer, pr *model.ProxyRequest) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s %s %s\r\n", pr.Method, pr.Target, ProtoVersion); err != nil {
		return err
	}
	if pr.Host != "" {
		if _, err := fmt.Fprintf(bw, "Host: %s\r\n", pr.Host); err != nil {
			return err
		}
	}
	header := pr.Header.Clone()
	header.Del("Host")
	header.Del("Content-Length")
	if pr.ContentLength > 0 || (pr.ContentLength == 0 && bodyAllowed(pr.Method)) {
		header.Set("Content-Length", strconv.FormatInt(pr.ContentLength, 10))
	}
	if err := header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if pr.Body != nil && pr.ContentLength > 0 {
		if _, err := io.CopyN(bw, pr.Body, pr.ContentLength); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// bodyAllowed reports whether an empty request body should still be framed
// with Content-Length: 0, which some servers require for these methods.
func bodyAllowed(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// idleTimeoutConn extends the read deadline before every read, so the timeout
// bounds the silence between bytes rather than the whole response.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

type bodyCloser struct {
	io.Reader
	release func()
	client  *BackendClient
	ctx     context.Context
}

func (b *bodyCloser) Read(p []byte) (int, error) {
	n, err := b.Reader.Read(p)
	if err != nil && err != io.EOF {
		err = b.client.classify(b.ctx, "read", err)
	}
	return n, err
}

func (b *bodyCloser) Close() error {
	b.release()
	return nil
}

type rawReader struct {
	r      io.Reader
	client *BackendClient
	ctx    context.Context
}

func (r *rawReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		err = r.client.classify(r.ctx, "read", err)
	}
	return n, err
}
