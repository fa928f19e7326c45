package admin

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/smartmet/synapse/internal/logging"
	"github.com/smartmet/synapse/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fanoutTimeout bounds one backend admin conversation.
const fanoutTimeout = 10 * time.Second

// backendBody is one backend's admin reply.
type backendBody struct {
	Backend string
	Body    string
}

// fetchFunc retrieves one backend's admin body; swapped out in tests.
type fetchFunc func(ctx context.Context, addr, query string) (string, error)

// fanOut queries every backend in parallel over short-lived plain TCP
// sockets, outside the backend streaming pool. Backends that fail are
// logged and skipped, never propagated.
func fanOut(ctx context.Context, backends []registry.Backend, query string, fetch fetchFunc) []backendBody {
	if fetch == nil {
		fetch = fetchAdminBody
	}

	results := make([]backendBody, len(backends))
	g, ctx := errgroup.WithContext(ctx)

	for i, b := range backends {
		g.Go(func() error {
			body, err := fetch(ctx, b.Addr(), query)
			if err != nil {
				logging.Warn("Backend admin query failed, skipping",
					zap.String("backend", b.Addr()),
					zap.String("query", query),
					zap.Error(err),
				)
				return nil
			}
			results[i] = backendBody{Backend: b.Name, Body: body}
			return nil
		})
	}
	g.Wait()

	out := results[:0]
	for _, r := range results {
		if r.Backend != "" {
			out = append(out, r)
		}
	}
	return out
}

// fetchAdminBody performs one HTTP/1.0 admin request and returns the
// reply body with the headers stripped.
func fetchAdminBody(ctx context.Context, addr, query string) (string, error) {
	dialer := net.Dialer{Timeout: fanoutTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	deadline := time.Now().Add(fanoutTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	request := fmt.Sprintf("GET %s HTTP/1.0\r\nAccept: */*\r\nConnection: close\r\n\r\n", query)
	if _, err := io.WriteString(conn, request); err != nil {
		return "", err
	}

	raw, err := io.ReadAll(conn)
	if err != nil {
		return "", err
	}

	_, body, found := strings.Cut(string(raw), "\r\n\r\n")
	if !found {
		return "", fmt.Errorf("malformed reply from %s", addr)
	}
	return body, nil
}
