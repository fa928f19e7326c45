// Package admin implements the /admin control plane: cluster
// inspection verbs, cross-backend aggregation, pause/resume and cache
// statistics.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/smartmet/synapse/internal/cache"
	"github.com/smartmet/synapse/internal/logging"
	"github.com/smartmet/synapse/internal/proxycore"
	"github.com/smartmet/synapse/internal/registry"
	"go.uber.org/zap"
)

// adminExpiresSeconds is the client cache lifetime of admin replies.
const adminExpiresSeconds = 60

// verbs lists every supported what= value.
var verbs = []string{
	"activebackends",
	"activerequests",
	"backends",
	"cachestats",
	"clusterinfo",
	"continue",
	"gridgenerations",
	"gridgenerationsqd",
	"list",
	"pause",
	"qengine",
}

// authVerbs require basic authentication.
var authVerbs = map[string]bool{
	"pause":    true,
	"continue": true,
}

// Admin is the /admin request handler.
type Admin struct {
	registry registry.Registry
	core     *proxycore.Core
	active   *ActiveRequests
	pause    *PauseState

	user     string
	password string

	fetch fetchFunc // overridden in tests
}

// New creates the admin plane.
func New(reg registry.Registry, core *proxycore.Core, active *ActiveRequests, pause *PauseState, user, password string) *Admin {
	return &Admin{
		registry: reg,
		core:     core,
		active:   active,
		pause:    pause,
		user:     user,
		password: password,
	}
}

// Pause returns the pause state consulted by the health endpoint.
func (a *Admin) Pause() *PauseState {
	return a.pause
}

// ServeHTTP dispatches one admin verb.
func (a *Admin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// JSON consumers live on other origins.
	w.Header().Set("Access-Control-Allow-Origin", "*")

	what := r.URL.Query().Get("what")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "debug"
	}

	if authVerbs[what] {
		if a.user == "" || !checkBasicAuth(r, a.user, a.password) {
			requireAuth(w)
			return
		}
	}

	content, mime, ok, err := a.dispatch(r, what, format)
	if err != nil {
		logging.Error("Admin request failed",
			zap.String("what", what),
			zap.String("uri", r.URL.RequestURI()),
			zap.Error(err),
		)
		writeAdminError(w, err)
		return
	}

	now := time.Now().UTC()
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", adminExpiresSeconds))
	w.Header().Set("Expires", now.Add(adminExpiresSeconds*time.Second).Format(http.TimeFormat))
	w.Header().Set("Last-Modified", now.Format(http.TimeFormat))

	if !ok {
		w.WriteHeader(http.StatusNotImplemented)
	}

	if format == "debug" {
		content = "<html><head><title>Frontend Admin</title></head><body>" + content + "</body></html>"
	}
	fmt.Fprint(w, content)
}

// writeAdminError answers 400 with the one-line X-Frontend-Error
// header carrying the failure description.
func writeAdminError(w http.ResponseWriter, err error) {
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	if len(msg) > 300 {
		msg = msg[:300]
	}
	w.Header().Set("X-Frontend-Error", msg)
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintln(w, msg)
}

// dispatch runs one verb and returns its content, mime type and
// whether the verb was recognized.
func (a *Admin) dispatch(r *http.Request, what, format string) (content, mime string, ok bool, err error) {
	mime = mimeFor(format)

	switch what {
	case "":
		return "No request specified", mime, false, nil

	case "clusterinfo":
		var sb strings.Builder
		a.registry.Status(&sb)
		if format == "debug" {
			return "<pre>" + sb.String() + "</pre>", mime, true, nil
		}
		return sb.String(), "text/plain; charset=UTF-8", true, nil

	case "backends":
		return a.backendsVerb(r, format)

	case "qengine":
		return a.qengineVerb(r, format)

	case "gridgenerations", "gridgenerationsqd":
		return a.gridGenerationsVerb(r, what, format)

	case "activerequests":
		return a.activeRequestsVerb(format)

	case "activebackends":
		return a.activeBackendsVerb(format)

	case "cachestats":
		return a.cacheStatsVerb(format)

	case "pause":
		return a.pauseVerb(r)

	case "continue":
		return a.continueVerb(r)

	case "list":
		return strings.Join(verbs, "\n"), "text/plain; charset=UTF-8", true, nil
	}

	return "Unknown request: '" + what + "'", mime, false, nil
}

func mimeFor(format string) string {
	switch format {
	case "json":
		return "application/json; charset=UTF-8"
	case "debug":
		return "text/html; charset=UTF-8"
	default:
		return "text/plain; charset=UTF-8"
	}
}

func (a *Admin) backendsVerb(r *http.Request, format string) (string, string, bool, error) {
	service := r.URL.Query().Get("service")
	backends := a.registry.BackendList(service)

	t := newTable("Backend", "IP", "Port")
	for _, b := range backends {
		t.addRow(b.Name, b.IP, strconv.Itoa(b.Port))
	}
	content, mime, err := t.render(format)
	return content, mime, err == nil, err
}

func (a *Admin) qengineVerb(r *http.Request, format string) (string, string, bool, error) {
	bodies := fanOut(r.Context(), a.registry.BackendList(""),
		"/admin?what=qengine&format=json", a.fetch)

	contents := make([]producerFiles, 0, len(bodies))
	for _, b := range bodies {
		parsed, err := parseQEngineBody(b.Body)
		if err != nil {
			return "", "", false, fmt.Errorf("backend %s: %w", b.Backend, err)
		}
		contents = append(contents, parsed)
	}
	merged := mergeQEngineContents(contents)

	for producer, files := range merged {
		if len(files) == 0 {
			logging.Warn("Producer has no cluster-wide content", zap.String("producer", producer))
		}
	}

	input := r.URL.Query().Get("param")
	if input == "" {
		t := newTable("Producer", "Path", "OriginTime", "MinTime", "MaxTime")
		for _, row := range qengineSummary(merged) {
			t.addRow(row.Producer, row.Path, row.OriginTime, row.MinTime, row.MaxTime)
		}
		content, mime, err := t.render(format)
		return content, mime, err == nil, err
	}

	params := strings.FieldsFunc(input, func(r rune) bool { return r == ',' })
	matches := qengineWithParams(merged, params)

	t := newTable("Producer", "Path", "OriginTime")
	for _, f := range matches {
		t.addRow(f.Producer, f.Path, f.OriginTime)
	}
	content, mime, err := t.render(format)
	return content, mime, err == nil, err
}

func (a *Admin) gridGenerationsVerb(r *http.Request, what, format string) (string, string, bool, error) {
	bodies := fanOut(r.Context(), a.registry.BackendList(""),
		"/admin?what="+what+"&format=raw", a.fetch)

	merged := mergeGridGenerations(bodies)

	t := newTable("Producer", "Geometry", "AnalysisTime")
	for _, g := range merged {
		t.addRow(g.Producer, g.Geometry, g.AnalysisTime)
	}
	content, mime, err := t.render(format)
	return content, mime, err == nil, err
}

func (a *Admin) activeRequestsVerb(format string) (string, string, bool, error) {
	now := time.Now()

	t := newTable("Id", "Time", "Duration", "ClientIP", "RequestString")
	for _, req := range a.active.Snapshot() {
		t.addRow(
			req.ID,
			req.Started.UTC().Format(time.RFC3339),
			fmt.Sprintf("%.3f", now.Sub(req.Started).Seconds()),
			req.ClientIP,
			req.URI,
		)
	}
	content, mime, err := t.render(format)
	return content, mime, err == nil, err
}

func (a *Admin) activeBackendsVerb(format string) (string, string, bool, error) {
	snap := a.core.Counter().Snapshot()

	addrs := make([]string, 0, len(snap))
	for addr := range snap {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	t := newTable("Backend", "Count")
	for _, addr := range addrs {
		t.addRow(addr, strconv.Itoa(snap[addr]))
	}
	content, mime, err := t.render(format)
	return content, mime, err == nil, err
}

func (a *Admin) cacheStatsVerb(format string) (string, string, bool, error) {
	stats := map[string]cache.Stats{
		"compressed_cache":   a.core.Cache(cache.EncodingGzip).Stats(),
		"uncompressed_cache": a.core.Cache(cache.EncodingIdentity).Stats(),
	}

	if format == "json" {
		buf, err := json.Marshal(stats)
		if err != nil {
			return "", "", false, err
		}
		return string(buf), mimeFor(format), true, nil
	}

	t := newTable("Cache", "MaxSize", "Size", "Hits", "Misses", "Inserts", "HitRate")
	for _, name := range []string{"compressed_cache", "uncompressed_cache"} {
		s := stats[name]
		t.addRow(name,
			strconv.Itoa(s.MaxSize),
			strconv.Itoa(s.Size),
			strconv.FormatInt(s.Hits, 10),
			strconv.FormatInt(s.Misses, 10),
			strconv.FormatInt(s.Inserts, 10),
			fmt.Sprintf("%.3f", s.HitRate),
		)
	}
	content, mime, err := t.render(format)
	return content, mime, err == nil, err
}

func (a *Admin) pauseVerb(r *http.Request) (string, string, bool, error) {
	deadline, err := parseDeadline(r)
	if err != nil {
		return "", "", false, err
	}

	a.pause.Pause(deadline)
	if deadline.IsZero() {
		logging.Warn("Gateway paused")
		return "Paused the server\n", "text/plain; charset=UTF-8", true, nil
	}
	logging.Warn("Gateway paused", zap.Time("until", deadline))
	return fmt.Sprintf("Paused the server until %s\n", deadline.UTC().Format(http.TimeFormat)),
		"text/plain; charset=UTF-8", true, nil
}

func (a *Admin) continueVerb(r *http.Request) (string, string, bool, error) {
	repause, err := parseDeadline(r)
	if err != nil {
		return "", "", false, err
	}

	a.pause.Continue(repause)
	if repause.IsZero() {
		logging.Warn("Gateway resumed")
		return "Continuing the server\n", "text/plain; charset=UTF-8", true, nil
	}
	logging.Warn("Gateway resumed", zap.Time("repause", repause))
	return fmt.Sprintf("Continuing the server until %s\n", repause.UTC().Format(http.TimeFormat)),
		"text/plain; charset=UTF-8", true, nil
}

// parseDeadline reads the optional time= (absolute) or duration=
// (relative) parameter. Absent parameters yield a zero time.
func parseDeadline(r *http.Request) (time.Time, error) {
	q := r.URL.Query()

	if v := q.Get("time"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(secs, 0), nil
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, nil
		}
		if t, err := http.ParseTime(v); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("invalid time parameter %q", v)
	}

	if v := q.Get("duration"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Now().Add(time.Duration(secs) * time.Second), nil
		}
		if d, err := time.ParseDuration(v); err == nil {
			return time.Now().Add(d), nil
		}
		return time.Time{}, fmt.Errorf("invalid duration parameter %q", v)
	}

	return time.Time{}, nil
}
