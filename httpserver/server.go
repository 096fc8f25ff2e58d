// Package httpserver is the callback HTTP server that receives GENA
// SUBSCRIBE/UNSUBSCRIBE/NOTIFY requests and routes everything else to
// registered RequestBrokers, mirroring the teacher's accept-loop-plus-
// worker-goroutine shape.
package httpserver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/castline/upnpav/httpwire"
)

// NotifyHandler receives decoded SUBSCRIBE/UNSUBSCRIBE/NOTIFY requests
// regardless of their request target, and returns the HTTP status code to
// send back.
type NotifyHandler interface {
	HandleNotify(req *httpwire.Request) int
}

// RequestBroker claims requests for paths it owns. Brokers are consulted in
// registration order; the first to return true has handled the request (and
// is responsible for having written a response via the ResponseWriter it
// was given).
type RequestBroker interface {
	CommonName() string
	HandleRequest(w ResponseWriter, req *httpwire.Request) bool
}

// ResponseWriter lets a broker write a full response without depending on
// net/http.
type ResponseWriter interface {
	WriteStatus(code int, reason string)
	Header() *httpwire.OrderedHeader
	Write(body []byte)
}

// Server accepts connections, parses one HTTP/1.1 request per connection,
// and dispatches it to the notify handler (for SUBSCRIBE/UNSUBSCRIBE/NOTIFY)
// or to the first matching broker.
type Server struct {
	Logger  *slog.Logger
	Notify  NotifyHandler
	brokers []RequestBroker

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	stopped  bool
}

// New builds a Server. Brokers are registered with RegisterBroker before
// Serve is called; registration order governs dispatch priority.
func New(logger *slog.Logger, notify NotifyHandler) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Logger: logger, Notify: notify}
}

// RegisterBroker appends b to the dispatch chain.
func (s *Server) RegisterBroker(b RequestBroker) {
	s.brokers = append(s.brokers, b)
}

// Serve binds addr (host:port, port 0 for an ephemeral port) and accepts
// connections until Stop is called. It returns the bound address so a
// caller can learn the ephemeral port.
func (s *Server) Serve(addr string) (string, error) {
	ln, err := listen(addr)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	return ln.Addr().String(), nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			s.Logger.Warn("httpserver_accept_error", slog.String("error", err.Error()))
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	req, err := httpwire.ParseRequest(conn)
	if err != nil {
		s.Logger.Debug("httpserver_parse_error", slog.String("error", err.Error()))
		writeSimpleResponse(conn, 400, "Bad Request", nil)
		return
	}

	switch req.Method {
	case "SUBSCRIBE", "UNSUBSCRIBE", "NOTIFY":
		if s.Notify == nil {
			writeSimpleResponse(conn, 500, "Internal Server Error", nil)
			return
		}
		code := s.Notify.HandleNotify(req)
		writeSimpleResponse(conn, code, statusReason(code), nil)
		return
	}

	w := &bufferedResponseWriter{}
	for _, b := range s.brokers {
		if b.HandleRequest(w, req) {
			w.flush(conn)
			return
		}
	}
	writeSimpleResponse(conn, 404, "Not Found", nil)
}

// Stop closes the listener and waits, bounded by ctx, for all in-flight
// connections to finish. It is idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if ln == nil {
			return nil
		}
		return ln.Close()
	})
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	return g.Wait()
}

func writeSimpleResponse(conn net.Conn, code int, reason string, body []byte) {
	h := httpwire.NewOrderedHeader()
	h.Set("Connection", "close")
	resp, buildErr := buildResponseBytes(code, reason, h, body)
	if buildErr != nil {
		return
	}
	conn.Write(resp)
}

func statusReason(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 412:
		return "Precondition Failed"
	case 500:
		return "Internal Server Error"
	default:
		return "Unknown"
	}
}

type bufferedResponseWriter struct {
	code   int
	reason string
	header *httpwire.OrderedHeader
	body   bytes.Buffer
}

func (w *bufferedResponseWriter) WriteStatus(code int, reason string) {
	w.code = code
	w.reason = reason
}

func (w *bufferedResponseWriter) Header() *httpwire.OrderedHeader {
	if w.header == nil {
		w.header = httpwire.NewOrderedHeader()
	}
	return w.header
}

func (w *bufferedResponseWriter) Write(b []byte) { w.body.Write(b) }

func (w *bufferedResponseWriter) flush(conn net.Conn) {
	if w.code == 0 {
		w.code = 200
	}
	if w.reason == "" {
		w.reason = statusReason(w.code)
	}
	resp, err := buildResponseBytes(w.code, w.reason, w.Header(), w.body.Bytes())
	if err != nil {
		return
	}
	conn.Write(resp)
}

func buildResponseBytes(code int, reason string, h *httpwire.OrderedHeader, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", code, reason)

	if h == nil {
		h = httpwire.NewOrderedHeader()
	}
	if _, ok := h.Get("Content-Length"); !ok {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	h.Each(func(name, value string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
	})
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes(), nil
}
