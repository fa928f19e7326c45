// Package streamer implements the per-request state machine that bridges
// a synchronous consumer (the HTTP server asking for the next chunk) to
// the asynchronous producer reading the backend socket.
//
// Each forwarded request starts with a cache-probe handshake: the
// original request is sent with an extra X-Request-ETag header, and if
// the backend answers with an ETag that is present in the response
// cache, the reply is synthesized locally without fetching the body.
// Otherwise the request is re-sent verbatim on a fresh connection and
// the body streamed through, teed into the cache when eligible.
package streamer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smartmet/synapse/internal/cache"
	"github.com/smartmet/synapse/internal/logging"
	"github.com/smartmet/synapse/internal/registry"
	"go.uber.org/zap"
)

// Status is the gateway status of a streamer.
type Status int

const (
	// StatusOngoing means work is in progress; the consumer may block.
	StatusOngoing Status = iota
	// StatusFinished means all client bytes have been produced.
	StatusFinished
	// StatusFailed is terminal; the stream ends in error.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOngoing:
		return "ongoing"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// probeHeader solicits an ETag-only reply from the backend.
const probeHeader = "X-Request-Etag"

// consumerWait bounds a single blocking NextChunk/Peek wait so the
// server thread periodically returns to detect client disconnects.
const consumerWait = 100 * time.Millisecond

// Request is the rewritten client request to forward to the backend.
type Request struct {
	Method string
	URI    string // path plus raw query
	Header http.Header
	Body   []byte
}

// Options wires a streamer to its collaborators and limits.
type Options struct {
	GzipCache     *cache.ResponseCache
	IdentityCache *cache.ResponseCache
	Counter       *registry.RequestCounter

	IdleTimeout         time.Duration
	ConnectTimeout      time.Duration
	MaxBufferSize       int64
	MaxCachedBufferSize int64

	// Release returns the backend pool slot. May be nil.
	Release func()

	ServerIdent string
	Hostname    string
}

// Streamer drives one backend conversation.
type Streamer struct {
	opts    Options
	backend registry.Backend
	req     Request

	mu                sync.Mutex
	conn              net.Conn
	status            Status
	clientBuf         []byte
	headerBuf         []byte
	staging           []byte
	meta              cache.Metadata
	cacheable         bool
	backendBufferFull bool
	timedOut          bool
	closed            bool

	dataCh   chan struct{} // producer progress signal
	resumeCh chan struct{} // consumer drained an over-budget buffer

	closeOnce   sync.Once
	releaseOnce sync.Once
}

// New creates a streamer for one backend conversation.
func New(backend registry.Backend, req Request, opts Options) *Streamer {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	return &Streamer{
		opts:     opts,
		backend:  backend,
		req:      req,
		dataCh:   make(chan struct{}, 1),
		resumeCh: make(chan struct{}, 1),
	}
}

// SendAndListen connects to the backend, sends the probe request and
// starts the producer. A returned error means the backend could not be
// reached or written to; the caller treats that as a host failure.
func (s *Streamer) SendAndListen(ctx context.Context) error {
	if s.opts.Counter != nil {
		s.opts.Counter.Start(s.backend.IP, s.backend.Port)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		s.release()
		return fmt.Errorf("backend connect to %s failed: %w", s.backend.Addr(), err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	probe := s.buildRequest(true)
	conn.SetWriteDeadline(time.Now().Add(s.opts.IdleTimeout))
	if _, err := conn.Write(probe); err != nil {
		conn.Close()
		s.release()
		return fmt.Errorf("backend write to %s failed: %w", s.backend.Addr(), err)
	}

	go s.run()
	return nil
}

func (s *Streamer) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: s.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.backend.Addr())
	if err != nil {
		return nil, err
	}
	// Measurably improves first-byte latency on small replies.
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return conn, nil
}

// buildRequest serializes the forwarded request, optionally with the
// cache probe header.
func (s *Streamer) buildRequest(withProbe bool) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", s.req.Method, s.req.URI)

	header := make(http.Header, len(s.req.Header)+1)
	for k, vv := range s.req.Header {
		header[k] = vv
	}
	if withProbe {
		header.Set(probeHeader, "true")
	}
	if len(s.req.Body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(s.req.Body)))
	}
	header.Write(&b)
	b.WriteString("\r\n")
	b.Write(s.req.Body)
	return b.Bytes()
}

// run is the producer. Panics must not escape; they are coerced into a
// failed stream.
func (s *Streamer) run() {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Streamer panic",
				zap.String("backend", s.backend.Addr()),
				zap.Any("panic", r),
			)
			s.fail()
		}
	}()

	s.readHeaders(s.handleProbeResponse)
}

// readHeaders accumulates bytes until the response head parses, then
// hands off to the phase handler.
func (s *Streamer) readHeaders(complete func(parsedResponse)) {
	buf := make([]byte, 32*1024)
	for {
		conn := s.currentConn()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.headerBuf = append(s.headerBuf, buf[:n]...)
			head := s.headerBuf
			s.mu.Unlock()

			parsed, result := parseResponseHeaders(head)
			switch result {
			case parseFailed:
				logging.Warn("Backend returned garbled response",
					zap.String("backend", s.backend.Addr()),
					zap.String("uri", s.req.URI),
				)
				s.fail()
				return
			case parseComplete:
				complete(parsed)
				return
			}
		}
		if err != nil {
			s.handleReadError(err)
			return
		}
	}
}

// handleProbeResponse advances past the cache-probe handshake.
func (s *Streamer) handleProbeResponse(parsed parsedResponse) {
	etag := parsed.header.Get("ETag")
	if etag == "" {
		// Backend opted out of frontend caching: the buffered bytes
		// become the first output chunk and streaming continues on the
		// same connection.
		s.mu.Lock()
		s.cacheable = false
		s.clientBuf = append(s.clientBuf, s.headerBuf...)
		s.headerBuf = nil
		s.mu.Unlock()
		s.notify()
		s.streamBody()
		return
	}

	body, meta, ok := s.lookupCache(etag)
	if !ok {
		s.sendContentRequest()
		return
	}

	// Full cache hit: no body fetch needed.
	response := s.buildCachedResponse(meta, body, parsed.header.Get("Expires"))

	s.mu.Lock()
	s.cacheable = false // cached responses are not re-cached
	s.clientBuf = response
	s.status = StatusFinished
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.notify()
}

// lookupCache probes the pools in client preference order: gzip first
// when the client accepts it, then identity.
func (s *Streamer) lookupCache(etag string) ([]byte, cache.Metadata, bool) {
	if clientAcceptsGzip(s.req.Header) && s.opts.GzipCache != nil {
		if body, meta, ok := s.opts.GzipCache.Lookup(etag); ok {
			return body, meta, true
		}
	}
	if s.opts.IdentityCache != nil {
		return s.opts.IdentityCache.Lookup(etag)
	}
	return nil, cache.Metadata{}, false
}

// clientAcceptsGzip reports whether gzip content may be served.
func clientAcceptsGzip(h http.Header) bool {
	accept := h.Get("Accept-Encoding")
	return accept == "*" || strings.Contains(accept, "gzip")
}

// sendContentRequest reopens the backend connection and requests the
// actual content, without the probe header.
func (s *Streamer) sendContentRequest() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.clientBuf = nil
	s.headerBuf = nil
	s.staging = nil
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}

	conn, err := s.dial(context.Background())
	if err != nil {
		logging.Warn("Backend reconnect failed",
			zap.String("backend", s.backend.Addr()),
			zap.Error(err),
		)
		s.fail()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(s.opts.IdleTimeout))
	if _, err := conn.Write(s.buildRequest(false)); err != nil {
		logging.Warn("Backend write failed",
			zap.String("backend", s.backend.Addr()),
			zap.Error(err),
		)
		s.fail()
		return
	}

	s.readHeaders(s.handleContentHeaders)
}

// handleContentHeaders establishes cacheability for the content fetch
// and segues into body streaming.
func (s *Streamer) handleContentHeaders(parsed parsedResponse) {
	s.mu.Lock()

	etag := parsed.header.Get("ETag")
	mime := parsed.header.Get("Content-Type")
	transferEncoding := parsed.header.Get("Transfer-Encoding")

	if etag != "" && mime != "" && transferEncoding == "" && parsed.status == http.StatusOK {
		s.cacheable = true
		s.meta = cache.Metadata{
			ETag:         etag,
			MimeType:     mime,
			CacheControl: parsed.header.Get("Cache-Control"),
			Expires:      parsed.header.Get("Expires"),
			Vary:         parsed.header.Get("Vary"),
			AllowOrigin:  parsed.header.Get("Access-Control-Allow-Origin"),
			Encoding:     responseEncoding(parsed.header),
		}
		// Body bytes already buffered past the headers are staged
		// separately from the client stream.
		s.staging = append(s.staging, s.headerBuf[parsed.headerLen:]...)
		if int64(len(s.staging)) > s.opts.MaxCachedBufferSize {
			s.cacheable = false
			s.staging = nil
		}
	} else {
		s.cacheable = false
	}

	s.clientBuf = append(s.clientBuf, s.headerBuf...)
	s.headerBuf = nil
	s.mu.Unlock()

	s.notify()
	s.streamBody()
}

// responseEncoding maps the Content-Encoding header onto a cache pool.
func responseEncoding(h http.Header) cache.Encoding {
	if strings.Contains(h.Get("Content-Encoding"), "gzip") {
		return cache.EncodingGzip
	}
	return cache.EncodingIdentity
}

// streamBody relays backend bytes to the client buffer, teeing into the
// cache staging buffer while the response remains cacheable.
func (s *Streamer) streamBody() {
	buf := make([]byte, 32*1024)
	for {
		// Backpressure: when the outbound buffer is over budget, pause
		// until the consumer extracts it.
		s.mu.Lock()
		if int64(len(s.clientBuf)) > s.opts.MaxBufferSize {
			s.backendBufferFull = true
			s.mu.Unlock()
			<-s.resumeCh
			s.mu.Lock()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.clientBuf = append(s.clientBuf, buf[:n]...)
			if s.cacheable {
				s.staging = append(s.staging, buf[:n]...)
				if int64(len(s.staging)) > s.opts.MaxCachedBufferSize {
					// Overflow: abandon caching, streaming continues.
					s.cacheable = false
					s.staging = nil
				}
			}
			s.mu.Unlock()
			s.notify()
		}
		if err != nil {
			s.handleReadError(err)
			return
		}
	}
}

// handleReadError classifies the end of a backend read.
func (s *Streamer) handleReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		// Clean shutdown; cache the staged body if still eligible. The
		// insert completes before the stream reads as finished, so a
		// consumer that saw the end of this stream also sees the new
		// cache entry.
		s.mu.Lock()
		insert := s.cacheable && len(s.staging) > 0 && !s.timedOut
		meta := s.meta
		staging := s.staging
		s.mu.Unlock()

		if insert {
			s.pool(meta.Encoding).Insert(meta.ETag, meta, staging)
		}

		s.mu.Lock()
		s.status = StatusFinished
		s.mu.Unlock()
		s.notify()

	case errors.Is(err, os.ErrDeadlineExceeded):
		logging.Warn("Backend connection timed out",
			zap.String("backend", s.backend.Addr()),
			zap.String("uri", s.req.URI),
		)
		s.mu.Lock()
		s.timedOut = true
		s.cacheable = false
		s.status = StatusFailed
		s.mu.Unlock()
		s.notify()

	case errors.Is(err, net.ErrClosed):
		// The client disconnected and teardown closed the socket. The
		// gateway status no longer matters to anyone.
		s.mu.Lock()
		wasClosed := s.closed
		s.mu.Unlock()
		if !wasClosed {
			s.fail()
		}

	default:
		logging.Warn("Backend connection abnormally terminated",
			zap.String("backend", s.backend.Addr()),
			zap.Error(err),
		)
		s.fail()
	}
}

func (s *Streamer) pool(enc cache.Encoding) *cache.ResponseCache {
	if enc == cache.EncodingGzip {
		return s.opts.GzipCache
	}
	return s.opts.IdentityCache
}

func (s *Streamer) fail() {
	s.mu.Lock()
	s.cacheable = false
	s.status = StatusFailed
	s.mu.Unlock()
	s.notify()
}

// notify wakes a waiting consumer without blocking the producer.
func (s *Streamer) notify() {
	select {
	case s.dataCh <- struct{}{}:
	default:
	}
}

func (s *Streamer) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// NextChunk returns buffered output bytes and the streamer status. An
// empty chunk with StatusOngoing means the consumer should poll again;
// an empty chunk with a terminal status ends the stream. A single call
// blocks at most ~100ms.
func (s *Streamer) NextChunk() ([]byte, Status) {
	s.mu.Lock()
	if len(s.clientBuf) == 0 && s.status == StatusOngoing {
		s.mu.Unlock()
		select {
		case <-s.dataCh:
		case <-time.After(consumerWait):
		}
		s.mu.Lock()
	}

	chunk := s.clientBuf
	s.clientBuf = nil
	status := s.status

	if s.backendBufferFull {
		s.backendBufferFull = false
		select {
		case s.resumeCh <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()

	return chunk, status
}

// Peek returns up to n output bytes starting at off without consuming
// them, waiting until enough bytes are buffered, the stream turns
// terminal, or the deadline passes.
func (s *Streamer) Peek(off, n int, deadline time.Time) (string, Status) {
	for {
		s.mu.Lock()
		if len(s.clientBuf) >= off+n || s.status != StatusOngoing {
			var out string
			if len(s.clientBuf) > off {
				end := off + n
				if end > len(s.clientBuf) {
					end = len(s.clientBuf)
				}
				out = string(s.clientBuf[off:end])
			}
			status := s.status
			s.mu.Unlock()
			return out, status
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return "", StatusOngoing
		}
		select {
		case <-s.dataCh:
		case <-time.After(consumerWait):
		}
	}
}

// Status returns the current gateway status.
func (s *Streamer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close tears the streamer down: the backend socket is closed, a paused
// producer is released, and the in-flight counter and pool slot are
// returned. Safe to call from any goroutine, any number of times.
func (s *Streamer) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		select {
		case s.resumeCh <- struct{}{}:
		default:
		}
		s.release()
	})
}

func (s *Streamer) release() {
	s.releaseOnce.Do(func() {
		if s.opts.Counter != nil {
			s.opts.Counter.Stop(s.backend.IP, s.backend.Port)
		}
		if s.opts.Release != nil {
			s.opts.Release()
		}
	})
}

// epochExpires is served when cached metadata carries no Expires value.
const epochExpires = "Thu, 01 Jan 1970 00:00:00 GMT"

// buildCachedResponse synthesizes the client reply for a cache hit.
// probeExpires, when fresher than the stored value, overrides it for
// this response only.
func (s *Streamer) buildCachedResponse(meta cache.Metadata, body []byte, probeExpires string) []byte {
	expires := meta.Expires
	if fresher(probeExpires, expires) {
		expires = probeExpires
	}
	if expires == "" {
		expires = epochExpires
	}

	cacheControl := meta.CacheControl
	if cacheControl == "" {
		cacheControl = "must-revalidate"
	}

	vary := meta.Vary
	if vary == "" {
		vary = "Accept-Encoding"
	}

	notModified := false
	if inm := s.req.Header.Get("If-None-Match"); inm != "" {
		notModified = inm == meta.ETag
	} else if s.req.Header.Get("If-Modified-Since") != "" {
		notModified = true
	}

	var b bytes.Buffer
	if notModified {
		b.WriteString("HTTP/1.1 304 Not Modified\r\n")
	} else {
		b.WriteString("HTTP/1.1 200 OK\r\n")
	}

	writeHeader(&b, "Date", time.Now().UTC().Format(http.TimeFormat))
	writeHeader(&b, "Server", s.opts.ServerIdent)
	writeHeader(&b, "X-Frontend-Server", s.opts.Hostname)
	writeHeader(&b, "Connection", "close")
	writeHeader(&b, "Expires", expires)
	writeHeader(&b, "Cache-Control", cacheControl)
	writeHeader(&b, "Vary", vary)
	writeHeader(&b, "ETag", meta.ETag)
	if meta.AllowOrigin != "" {
		writeHeader(&b, "Access-Control-Allow-Origin", meta.AllowOrigin)
	}

	if notModified {
		b.WriteString("\r\n")
		return b.Bytes()
	}

	writeHeader(&b, "Content-Type", meta.MimeType)
	if meta.Encoding == cache.EncodingGzip {
		writeHeader(&b, "Content-Encoding", string(meta.Encoding))
	}
	writeHeader(&b, "Content-Length", strconv.Itoa(len(body)))
	writeHeader(&b, "X-Frontend-Cache-Hit", "true")
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}

func writeHeader(b *bytes.Buffer, key, value string) {
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

// fresher reports whether candidate is a later HTTP date than current.
// An unparseable or absent candidate never wins.
func fresher(candidate, current string) bool {
	if candidate == "" {
		return false
	}
	ct, err := http.ParseTime(candidate)
	if err != nil {
		return false
	}
	if current == "" {
		return true
	}
	cur, err := http.ParseTime(current)
	if err != nil {
		return true
	}
	return ct.After(cur)
}
