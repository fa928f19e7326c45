package registry

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/smartmet/synapse/internal/config"
	"github.com/smartmet/synapse/internal/health"
	"github.com/smartmet/synapse/internal/logging"
	"go.uber.org/zap"
)

// StaticRegistry is a configuration-backed Registry. Services and their
// backends come from the YAML services section; liveness is driven by a
// TCP probe checker. Backends retired with RemoveBackend stay out of
// selection until the process restarts.
type StaticRegistry struct {
	mu          sync.RWMutex
	services    []*staticService
	dead        map[string]bool // addr -> marked dead by checker
	removed     map[string]bool // addr -> retired via RemoveBackend
	connections map[string]int64
	checker     *health.Checker
}

type staticService struct {
	registry      *StaticRegistry
	uri           string
	definesPrefix bool
	backends      []Backend
	next          int
}

// NewStatic builds a registry from service configuration. When probe is
// true a TCP liveness checker is started for every backend.
func NewStatic(services []config.ServiceConfig, probe bool) *StaticRegistry {
	r := &StaticRegistry{
		dead:        make(map[string]bool),
		removed:     make(map[string]bool),
		connections: make(map[string]int64),
	}

	for _, sc := range services {
		svc := &staticService{
			registry:      r,
			uri:           sc.URI,
			definesPrefix: sc.DefinesPrefix,
		}
		for _, bc := range sc.Backends {
			svc.backends = append(svc.backends, Backend{Name: bc.Name, IP: bc.IP, Port: bc.Port})
		}
		r.services = append(r.services, svc)
	}

	// Longest prefix wins
	sort.Slice(r.services, func(i, j int) bool {
		return len(r.services[i].uri) > len(r.services[j].uri)
	})

	if probe {
		r.checker = health.NewChecker(health.Config{
			OnChange: func(addr string, status health.Status) {
				r.setDead(addr, status == health.StatusUnhealthy)
			},
		})
		for _, svc := range r.services {
			for _, b := range svc.backends {
				r.checker.AddBackend(health.Backend{Address: b.Addr()})
			}
		}
	}

	return r
}

func (r *StaticRegistry) setDead(addr string, dead bool) {
	r.mu.Lock()
	r.dead[addr] = dead
	r.mu.Unlock()
	if dead {
		logging.Warn("Backend liveness probe failed", zap.String("backend", addr))
	}
}

// GetService returns the service responsible for a request path, using
// longest-prefix matching. A leading /name/ backend alias is tolerated:
// the alias is stripped for matching only, the router performs the
// actual rewrite.
func (r *StaticRegistry) GetService(path string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, svc := range r.services {
		if svc.matches(path) {
			return svc, true
		}
	}
	return nil, false
}

func (s *staticService) matches(path string) bool {
	if s.definesPrefix {
		if strings.HasPrefix(path, s.uri) {
			return true
		}
		for _, b := range s.backends {
			alias := "/" + b.Name + "/"
			if strings.HasPrefix(path, alias) && strings.HasPrefix(path[len(alias)-1:], s.uri) {
				return true
			}
		}
		return false
	}

	if path == s.uri {
		return true
	}
	for _, b := range s.backends {
		if path == "/"+b.Name+s.uri {
			return true
		}
	}
	return false
}

func (s *staticService) URI() string         { return s.uri }
func (s *staticService) DefinesPrefix() bool { return s.definesPrefix }

// Backend selects the next backend for the service round-robin,
// skipping retired backends.
func (s *staticService) Backend() (Backend, bool) {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < len(s.backends); i++ {
		b := s.backends[s.next%len(s.backends)]
		s.next++
		if !r.removed[b.Addr()] {
			return b, true
		}
	}
	return Backend{}, false
}

// QueryBackendAlive reports whether a backend is usable. Unknown
// backends count as alive: absence of probe data is not evidence of
// death.
func (r *StaticRegistry) QueryBackendAlive(host string, port int) bool {
	addr := counterKey(host, port)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.dead[addr] && !r.removed[addr]
}

// RemoveBackend retires a backend from selection on every service.
func (r *StaticRegistry) RemoveBackend(host string, port int) {
	addr := counterKey(host, port)

	r.mu.Lock()
	r.removed[addr] = true
	r.mu.Unlock()

	if r.checker != nil {
		r.checker.RemoveBackend(addr)
	}

	logging.Warn("Backend retired", zap.String("backend", addr))
}

// SignalBackendConnection records a successful backend connection for
// throttle accounting.
func (r *StaticRegistry) SignalBackendConnection(host string, port int) {
	addr := counterKey(host, port)
	r.mu.Lock()
	r.connections[addr]++
	r.mu.Unlock()
}

// BackendList returns the backends providing a service URI, or all
// known backends when service is empty. Retired backends are excluded.
func (r *StaticRegistry) BackendList(service string) []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Backend
	seen := make(map[string]bool)
	for _, svc := range r.services {
		if service != "" && svc.uri != service {
			continue
		}
		for _, b := range svc.backends {
			addr := b.Addr()
			if r.removed[addr] || seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, b)
		}
	}
	return out
}

// Status writes a textual dump of the registry.
func (r *StaticRegistry) Status(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintf(w, "Services: %d\n", len(r.services))
	for _, svc := range r.services {
		mode := "exact"
		if svc.definesPrefix {
			mode = "prefix"
		}
		fmt.Fprintf(w, "%s (%s)\n", svc.uri, mode)
		for _, b := range svc.backends {
			addr := b.Addr()
			state := "alive"
			if r.removed[addr] {
				state = "removed"
			} else if r.dead[addr] {
				state = "dead"
			}
			fmt.Fprintf(w, "  %-20s %-21s %-8s connections=%d\n",
				b.Name, addr, state, r.connections[addr])
		}
	}
}

// Stop terminates the liveness checker, if any.
func (r *StaticRegistry) Stop() {
	if r.checker != nil {
		r.checker.Stop()
	}
}
