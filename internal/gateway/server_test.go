package gateway

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/smartmet/synapse/internal/config"
)

// rawBackend answers every connection with the same canned response.
type rawBackend struct {
	ln       net.Listener
	response string
}

func newRawBackend(t *testing.T, response string) (*rawBackend, config.BackendAddrConfig) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	rb := &rawBackend{ln: ln, response: response}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				reader := bufio.NewReader(c)
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						return
					}
					if line == "\r\n" {
						break
					}
				}
				io.WriteString(c, rb.response)
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return rb, config.BackendAddrConfig{Name: "alpha", IP: addr.IP.String(), Port: addr.Port}
}

func newTestServer(t *testing.T, services []config.ServiceConfig) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Backend.Timeout = 5
	cfg.Admin.User = "admin"
	cfg.Admin.Password = "pw"
	cfg.Services = services
	// DefaultConfig gives the cache pools no byte budget, so nothing would
	// be kept; a memory tier makes cache hits observable.
	cfg.CompressedCache.MemoryBytes = 1 << 20
	cfg.UncompressedCache.MemoryBytes = 1 << 20

	s, err := NewServer(cfg, "Synapse (test)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.registry.Stop()
		s.core.Shutdown()
	})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHealthEndpoint(t *testing.T) {
	s, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if !strings.Contains(string(body), "SmartMet") {
		t.Errorf("running health banner = %q", body)
	}

	s.admin.Pause().Pause(time.Time{})
	resp, err = http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()

	if strings.Contains(string(body), "SmartMet") {
		t.Errorf("paused health banner must not name the server: %q", body)
	}
}

func TestEndToEndForward(t *testing.T) {
	body := "timeseries payload"
	_, backendCfg := newRawBackend(t,
		"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: "+
			strconv.Itoa(len(body))+"\r\n\r\n"+body)

	_, ts := newTestServer(t, []config.ServiceConfig{
		{
			URI:           "/timeseries",
			DefinesPrefix: true,
			Backends:      []config.BackendAddrConfig{backendCfg},
		},
	})

	resp, err := http.Get(ts.URL + "/timeseries?q=1")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(got) != body {
		t.Errorf("body = %q", got)
	}
	if resp.Header.Get("X-Frontend-Cache-Hit") != "" {
		t.Error("uncached forward must not claim a cache hit")
	}
}

func TestEndToEndCacheMissThenHit(t *testing.T) {
	body := strings.Repeat("p", 1024)
	_, backendCfg := newRawBackend(t,
		"HTTP/1.1 200 OK\r\nETag: \"v7\"\r\nContent-Type: image/png\r\nCache-Control: max-age=60\r\nContent-Length: "+
			strconv.Itoa(len(body))+"\r\n\r\n"+body)

	_, ts := newTestServer(t, []config.ServiceConfig{
		{
			URI:           "/wms",
			DefinesPrefix: true,
			Backends:      []config.BackendAddrConfig{backendCfg},
		},
	})

	// Request A: miss, fetch, insert.
	resp, err := http.Get(ts.URL + "/wms?x")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(got) != body {
		t.Fatalf("first request: %d, %d bytes", resp.StatusCode, len(got))
	}

	// Request B: served from the identity pool. The insert completes
	// just after request A's last byte, so allow a few attempts.
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err = http.Get(ts.URL + "/wms?x")
		if err != nil {
			t.Fatal(err)
		}
		got, _ = io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("second request status = %d", resp.StatusCode)
		}
		if resp.Header.Get("X-Frontend-Cache-Hit") == "true" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cache hit never observed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if string(got) != body {
		t.Errorf("cache hit body = %d bytes, want %d", len(got), len(body))
	}
}

func TestAdminWiredIn(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/admin?what=list")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "cachestats") {
		t.Errorf("admin list missing verbs: %s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "gateway_cache_entries") {
		t.Errorf("metrics exposition missing gauges:\n%s", body)
	}
}
