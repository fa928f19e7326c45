// Package router selects a backend for each client request, rewrites
// the URI and headers, and drives the gateway streamer. Soft failures
// (backend announcing shutdown or high load) are retried against a
// fresh selection; hard failures retire the backend and end the request
// with 502.
package router

import (
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/smartmet/synapse/internal/errors"
	"github.com/smartmet/synapse/internal/logging"
	"github.com/smartmet/synapse/internal/proxycore"
	"github.com/smartmet/synapse/internal/registry"
	"github.com/smartmet/synapse/internal/streamer"
	"go.uber.org/zap"
)

// Backend deny sentinels, read from the first bytes of the reply
// ("HTTP/1.x NNNN").
const (
	statusShutdown = "3210"
	statusHighLoad = "1234"
)

// statusPeekOffset skips "HTTP/1.x " in the reply head.
const statusPeekOffset = 9

// defaultMaxAttempts caps trips through the deny-retry loop. The
// registry breaking conditions usually fire first; the cap guards
// against a cluster that keeps denying forever.
const defaultMaxAttempts = 8

// Router forwards client requests through the proxy core.
type Router struct {
	registry    registry.Registry
	core        *proxycore.Core
	maxAttempts int
}

// New creates a router.
func New(reg registry.Registry, core *proxycore.Core) *Router {
	return &Router{
		registry:    reg,
		core:        core,
		maxAttempts: defaultMaxAttempts,
	}
}

// ServeHTTP implements the request forwarding state machine.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		errors.ErrBadRequest.WithDetails("failed to read request body").WriteJSON(w)
		return
	}

	retryWait := newDenyBackoff()
	var lastBackend registry.Backend
	haveLast := false

	for attempt := 0; attempt < rt.maxAttempts; attempt++ {
		svc, ok := rt.registry.GetService(r.URL.Path)
		if !ok {
			errors.ErrNotFound.WriteJSON(w)
			return
		}

		backend, ok := svc.Backend()
		if !ok {
			errors.ErrBadGateway.WithDetails("no backend available for service").WriteJSON(w)
			return
		}

		// A selection loop that keeps returning the same backend has
		// nothing fresh to offer.
		if haveLast && backend == lastBackend {
			logging.Warn("Backend selection repeated, giving up",
				zap.String("backend", backend.Addr()),
				zap.String("uri", r.URL.RequestURI()),
			)
			errors.ErrBadGateway.WithDetails("no alternative backend available").WriteJSON(w)
			return
		}
		lastBackend = backend
		haveLast = true

		if !rt.registry.QueryBackendAlive(backend.IP, backend.Port) {
			logging.Warn("Backend marked as dead, retiring",
				zap.String("backend", backend.Addr()),
			)
			rt.retireBackend(backend)
			continue
		}

		uri, ok := rewriteURI(svc, backend, r.URL.Path)
		if !ok {
			logging.Error("Request path matches neither service prefix nor host alias",
				zap.String("path", r.URL.Path),
				zap.String("service", svc.URI()),
				zap.String("backend", backend.Name),
			)
			errors.ErrInternalServer.WriteJSON(w)
			return
		}
		if r.URL.RawQuery != "" {
			uri += "?" + r.URL.RawQuery
		}

		req := streamer.Request{
			Method: r.Method,
			URI:    uri,
			Header: rewriteHeaders(r),
			Body:   body,
		}

		st, err := rt.core.Forward(r.Context(), backend, req)
		if err != nil {
			// A crashed backend may have been crashed by this very
			// request; do not resend it elsewhere.
			logging.Warn("Backend connection failed, retiring",
				zap.String("backend", backend.Addr()),
				zap.Error(err),
			)
			rt.retireBackend(backend)
			errors.ErrBadGateway.WriteJSON(w)
			return
		}

		peek, status := st.Peek(statusPeekOffset, 4, time.Now().Add(rt.core.IdleTimeout()))

		if status == streamer.StatusFailed {
			st.Close()
			rt.retireBackend(backend)
			errors.ErrBadGateway.WriteJSON(w)
			return
		}

		if peek == statusShutdown || peek == statusHighLoad {
			reason := "shutting down"
			if peek == statusHighLoad {
				reason = "under high load"
			}
			logging.Info("Backend denied request, resending to another backend",
				zap.String("backend", backend.Addr()),
				zap.String("reason", reason),
				zap.String("uri", r.URL.RequestURI()),
			)
			st.Close()
			time.Sleep(retryWait.NextBackOff())
			continue
		}

		rt.registry.SignalBackendConnection(backend.IP, backend.Port)
		streamResponse(w, st)
		st.Close()
		return
	}

	errors.ErrBadGateway.WithDetails("backends kept denying the request").WriteJSON(w)
}

func (rt *Router) retireBackend(b registry.Backend) {
	rt.registry.RemoveBackend(b.IP, b.Port)
	rt.core.Counter().Remove(b.IP, b.Port)
}

// newDenyBackoff returns the jittered wait schedule between deny
// retries.
func newDenyBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// rewriteURI maps the client path onto the backend resource.
func rewriteURI(svc registry.Service, backend registry.Backend, path string) (string, bool) {
	hostPrefix := "/" + backend.Name

	if svc.DefinesPrefix() {
		if !strings.HasPrefix(path, svc.URI()) && strings.HasPrefix(path, hostPrefix+"/") {
			// Strip the host alias but keep its trailing slash.
			path = path[len(hostPrefix):]
		}
		if !strings.HasPrefix(path, svc.URI()) {
			return "", false
		}
		return path, true
	}

	switch path {
	case svc.URI():
		return path, true
	case hostPrefix + svc.URI():
		return svc.URI(), true
	}
	return "", false
}

// rewriteHeaders builds the outbound header set: the client headers
// plus the forwarding headers. Pipelining is not supported, so the
// backend connection is always single-use.
func rewriteHeaders(r *http.Request) http.Header {
	header := make(http.Header, len(r.Header)+4)
	for k, vv := range r.Header {
		header[k] = vv
	}

	if r.Host != "" {
		header.Set("Host", r.Host)
	}

	if header.Get("X-Forwarded-For") == "" {
		if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			header.Set("X-Forwarded-For", ip)
		} else if r.RemoteAddr != "" {
			header.Set("X-Forwarded-For", r.RemoteAddr)
		}
	}

	if header.Get("X-Forwarded-Proto") == "" {
		if r.TLS != nil {
			header.Set("X-Forwarded-Proto", "https")
		} else {
			header.Set("X-Forwarded-Proto", "http")
		}
	}

	header.Set("Connection", "close")
	return header
}

// streamResponse relays the streamer's raw reply bytes to the client.
// The connection is hijacked so status lines and headers pass through
// byte-for-byte, including non-standard backend status codes.
func streamResponse(w http.ResponseWriter, st *streamer.Streamer) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		errors.ErrInternalServer.WithDetails("response writer does not support streaming").WriteJSON(w)
		return
	}

	conn, bufrw, err := hj.Hijack()
	if err != nil {
		errors.ErrInternalServer.WriteJSON(w)
		return
	}
	defer conn.Close()

	for {
		chunk, status := st.NextChunk()
		if len(chunk) > 0 {
			if _, err := bufrw.Write(chunk); err != nil {
				return // client went away
			}
			if err := bufrw.Flush(); err != nil {
				return
			}
			continue
		}

		switch status {
		case streamer.StatusFinished, streamer.StatusFailed:
			// A failed stream simply ends here: bytes already sent
			// stay sent, the closed connection tells the client.
			return
		}
	}
}
