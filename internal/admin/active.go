package admin

import (
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActiveRequest describes one client request in flight.
type ActiveRequest struct {
	ID       string
	Started  time.Time
	ClientIP string
	URI      string
}

// ActiveRequests tracks client requests currently being served.
type ActiveRequests struct {
	mu       sync.Mutex
	requests map[string]ActiveRequest
}

// NewActiveRequests creates an empty tracker.
func NewActiveRequests() *ActiveRequests {
	return &ActiveRequests{requests: make(map[string]ActiveRequest)}
}

// Insert registers a request and returns its id.
func (a *ActiveRequests) Insert(r *http.Request) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}

	req := ActiveRequest{
		ID:       uuid.NewString(),
		Started:  time.Now(),
		ClientIP: ip,
		URI:      r.URL.RequestURI(),
	}

	a.mu.Lock()
	a.requests[req.ID] = req
	a.mu.Unlock()

	return req.ID
}

// Remove unregisters a request.
func (a *ActiveRequests) Remove(id string) {
	a.mu.Lock()
	delete(a.requests, id)
	a.mu.Unlock()
}

// Snapshot returns the in-flight requests ordered by start time.
func (a *ActiveRequests) Snapshot() []ActiveRequest {
	a.mu.Lock()
	out := make([]ActiveRequest, 0, len(a.requests))
	for _, req := range a.requests {
		out = append(out, req)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
