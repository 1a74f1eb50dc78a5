// Package service implements the HTTP relay between browser and backend.
package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"quik-go/internal/client"
	"quik-go/internal/config"
	"quik-go/internal/inject"
	"quik-go/internal/metrics"
	"quik-go/internal/model"
)

// ErrRequestBodyTooLarge is returned when a chunked request body exceeds the buffering limit.
var ErrRequestBodyTooLarge = errors.New("request body exceeds buffering limit")

// hopByHopHeaders are headers that apply to a single connection and are never relayed.
// Transfer-Encoding is handled separately because passthrough responses keep it.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Upgrade",
}

// RelayService forwards HTTP requests to the backend and writes the responses back,
// injecting the reload snippet into HTML bodies.
type RelayService struct {
	client    *client.BackendClient
	filter    *inject.Filter
	maxBuffer int64
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewRelayService creates a RelayService.
// The metrics parameter is optional; pass nil to disable relay metrics recording.
func NewRelayService(c *client.BackendClient, f *inject.Filter, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		client:    c,
		filter:    f,
		maxBuffer: cfg.Inject.MaxBufferBytes,
		logger:    logger.With("component", "relay_service"),
		metrics:   m,
	}
}

// Prepare converts a request read from the client into a backend request.
// Bodies of unknown length are buffered up to the limit because the backend
// is spoken to in HTTP/1.0, which has no chunked request framing.
func (s *RelayService) Prepare(ctx context.Context, req *http.Request, remoteAddr string) (*model.ProxyRequest, error) {
	pr := &model.ProxyRequest{
		Ctx:           ctx,
		Method:        req.Method,
		Target:        req.RequestURI,
		Host:          req.Host,
		Header:        s.filterRequestHeaders(req.Header, remoteAddr, req.Host),
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	if req.ContentLength < 0 {
		body, err := io.ReadAll(io.LimitReader(req.Body, s.maxBuffer+1))
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		if int64(len(body)) > s.maxBuffer {
			return nil, ErrRequestBodyTooLarge
		}
		pr.Body = bytes.NewReader(body)
		pr.ContentLength = int64(len(body))
	}

	return pr, nil
}

// Forward sends a ProxyRequest to the backend and returns the response.
// The caller is responsible for closing the response body.
func (s *RelayService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", pr.Target,
	)

	resp, err := s.client.Do(pr)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}
	return resp, nil
}

// SelectStrategy decides once, from the response head, how the body reaches the client.
func (s *RelayService) SelectStrategy(method string, resp *model.ProxyResponse) model.Strategy {
	if !s.injectable(method, resp) || resp.ContentLength >= s.maxBuffer {
		return model.StrategyPassthrough
	}
	return model.StrategyBufferedRewrite
}

// injectable reports whether resp is an HTML document the snippet could be added to.
func (s *RelayService) injectable(method string, resp *model.ProxyResponse) bool {
	if !inject.IsHTML(resp.Header.Get("Content-Type")) || !hasBody(method, resp.StatusCode) {
		return false
	}
	enc := resp.Header.Get("Content-Encoding")
	return enc == "" || strings.EqualFold(enc, "identity")
}

// WriteResponse writes resp to w as an HTTP/1.0 response and closes resp.Body.
// keepAlive reports whether the client asked to reuse the connection; the
// returned bool reports whether it may actually be reused.
func (s *RelayService) WriteResponse(w io.Writer, method string, resp *model.ProxyResponse, keepAlive bool) (bool, error) {
	defer func() { _ = resp.Body.Close() }()

	strategy := s.SelectStrategy(method, resp)
	if s.metrics != nil {
		s.metrics.RelayResponses.WithLabelValues(string(strategy), strconv.Itoa(resp.StatusCode)).Inc()
	}

	if strategy == model.StrategyBufferedRewrite {
		return s.writeRewritten(w, resp, keepAlive)
	}
	if s.injectable(method, resp) {
		// Declared length already at the limit.
		s.recordInjection("oversize")
	}
	return s.writePassthrough(w, method, resp, keepAlive)
}

// writeRewritten buffers the HTML body and injects the snippet. A body that
// reaches the buffering limit is sent unmodified instead.
func (s *RelayService) writeRewritten(w io.Writer, resp *model.ProxyResponse, keepAlive bool) (bool, error) {
	buf, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBuffer))
	if err != nil {
		// Nothing has reached the client yet, so it can still get a clean error.
		status, msg := ErrorResponse(err)
		s.logger.Error("reading backend body", "err", err)
		return keepAlive, WriteError(w, status, msg, keepAlive)
	}

	header := filterResponseHeaders(resp.Header)

	if int64(len(buf)) >= s.maxBuffer {
		s.recordInjection("oversize")
		s.logger.Debug("html body at buffering limit; streaming without injection",
			"limit", s.maxBuffer,
		)
		// The prefix was read de-chunked, so the rest goes out close-delimited.
		if resp.ContentLength < 0 || len(resp.TransferEncoding) > 0 {
			header.Del("Transfer-Encoding")
			header.Del("Content-Length")
			keepAlive = false
		}
		if err := writeHead(w, resp, header, keepAlive); err != nil {
			return false, err
		}
		if _, err := w.Write(buf); err != nil {
			return false, err
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return false, err
		}
		return keepAlive, nil
	}

	out := s.filter.Inject(buf)
	s.recordInjection("injected")

	header.Del("Transfer-Encoding")
	header.Set("Content-Length", strconv.Itoa(len(out)))

	bw := bufio.NewWriter(w)
	if err := writeHead(bw, resp, header, keepAlive); err != nil {
		return false, err
	}
	if _, err := bw.Write(out); err != nil {
		return false, err
	}
	if err := bw.Flush(); err != nil {
		return false, err
	}
	return keepAlive, nil
}

// writePassthrough copies the raw body bytes, keeping the backend's framing headers.
func (s *RelayService) writePassthrough(w io.Writer, method string, resp *model.ProxyResponse, keepAlive bool) (bool, error) {
	header := filterResponseHeaders(resp.Header)

	bodyless := !hasBody(method, resp.StatusCode)
	fixedLength := len(resp.TransferEncoding) == 0 && resp.ContentLength >= 0
	if !bodyless && !fixedLength {
		// Close-delimited or chunked: the connection end marks the body end.
		keepAlive = false
	}

	if err := writeHead(w, resp, header, keepAlive); err != nil {
		return false, err
	}

	switch {
	case bodyless:
	case fixedLength:
		if _, err := io.CopyN(w, resp.Raw, resp.ContentLength); err != nil {
			return false, fmt.Errorf("stream body: %w", err)
		}
	default:
		if _, err := io.Copy(w, resp.Raw); err != nil {
			return false, fmt.Errorf("stream body: %w", err)
		}
	}
	return keepAlive, nil
}

func (s *RelayService) recordInjection(result string) {
	if s.metrics != nil {
		s.metrics.Injections.WithLabelValues(result).Inc()
	}
}

// filterRequestHeaders strips hop-by-hop headers, pins the connection to a
// single request, and asks for an unencoded body so HTML can be rewritten.
func (s *RelayService) filterRequestHeaders(src http.Header, remoteAddr, host string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	dst.Del("Transfer-Encoding")

	dst.Set("Accept-Encoding", "identity")
	if ip, _, err := net.SplitHostPort(remoteAddr); err == nil {
		if prior := dst.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		dst.Set("X-Forwarded-For", ip)
	}
	if host != "" && dst.Get("X-Forwarded-Host") == "" {
		dst.Set("X-Forwarded-Host", host)
	}
	if dst.Get("X-Forwarded-Proto") == "" {
		dst.Set("X-Forwarded-Proto", "http")
	}
	dst.Set("Connection", "close")
	return dst
}

// filterResponseHeaders strips hop-by-hop headers; framing headers are left to the caller.
func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	return dst
}

// removeHopByHop deletes the fixed hop-by-hop headers and any named in Connection.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" && !isFraming(name) {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func isFraming(name string) bool {
	return strings.EqualFold(name, "Content-Length") || strings.EqualFold(name, "Transfer-Encoding")
}

// writeHead writes the response head for resp.
func writeHead(w io.Writer, resp *model.ProxyResponse, header http.Header, keepAlive bool) error {
	status := resp.Status
	if status == "" {
		status = StatusLine(resp.StatusCode)
	}
	return WriteHead(w, status, header, keepAlive)
}

// StatusLine returns the reason-phrase form of code, e.g. "502 Bad Gateway".
func StatusLine(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}

// WriteHead writes a status line and headers, always advertising HTTP/1.0.
// The Connection header is set from keepAlive.
func WriteHead(w io.Writer, status string, header http.Header, keepAlive bool) error {
	if keepAlive {
		header.Set("Connection", "keep-alive")
	} else {
		header.Set("Connection", "close")
	}

	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s %s\r\n", client.ProtoVersion, status); err != nil {
		return err
	}
	if err := header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// WriteError writes a synthesized plain-text response with a definite length.
func WriteError(w io.Writer, status int, msg string, keepAlive bool) error {
	body := msg + "\n"
	header := http.Header{
		"Content-Type":           {"text/plain; charset=utf-8"},
		"Content-Length":         {strconv.Itoa(len(body))},
		"X-Content-Type-Options": {"nosniff"},
	}
	bw := bufio.NewWriter(w)
	if err := WriteHead(bw, StatusLine(status), header, keepAlive); err != nil {
		return err
	}
	if _, err := bw.WriteString(body); err != nil {
		return err
	}
	return bw.Flush()
}

// ErrorResponse maps a relay error to the status and message sent to the client.
func ErrorResponse(err error) (int, string) {
	if errors.Is(err, ErrRequestBodyTooLarge) {
		return http.StatusRequestEntityTooLarge, "request body too large"
	}

	if errors.Is(err, client.ErrBackendTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "backend request timed out"
	}

	if errors.Is(err, client.ErrBackendUnavailable) {
		return http.StatusBadGateway, "backend unavailable; is the application server running?"
	}

	return http.StatusBadGateway, "backend request failed"
}

// hasBody reports whether a response to method with status code carries a body.
func hasBody(method string, code int) bool {
	if method == http.MethodHead {
		return false
	}
	if code >= 100 && code < 200 {
		return false
	}
	return code != http.StatusNoContent && code != http.StatusNotModified
}
