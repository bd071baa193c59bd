package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/islandgate/pkg/bridge"
	"github.com/morezero/islandgate/pkg/dispatcher"
	"github.com/morezero/islandgate/pkg/island"
	"github.com/morezero/islandgate/pkg/protocol"
)

// HealthOutput is the body of GET /health.
type HealthOutput struct {
	Status    string          `json:"status"`
	Node      string          `json:"node"`
	Checks    map[string]bool `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// NodeStatus is what the home page shows.
type NodeStatus struct {
	Node          string               `json:"node"`
	Authoritative bool                 `json:"authoritative"`
	Prefix        string               `json:"prefix"`
	Subscriber    string               `json:"subscriber,omitempty"`
	Operations    []protocol.Operation `json:"operations,omitempty"`
	World         *island.Stats        `json:"world,omitempty"`
	WorldError    string               `json:"worldError,omitempty"`
	PendingCalls  int                  `json:"pendingCalls"`
	OwnerBacklog  int                  `json:"ownerBacklog"`
}

// Handler returns the HTTP surface: status page, health, readiness and metrics.
func (s *Server) Handler() http.Handler {
	healthTimeout := s.cfg.HealthCheckTimeout
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		healthCtx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		h := s.Health(healthCtx)
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !s.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Health checks the bus connection and, on an authoritative node, the
// idempotency store and owner loop.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	checks := map[string]bool{
		"comms": s.nc != nil && s.nc.IsConnected(),
	}
	if s.store != nil {
		checks["store"] = s.store.ping(ctx) == nil
	}
	if s.loop != nil {
		_, err := bridge.Call(ctx, s.loop, s.cfg.HealthCheckTimeout, func(context.Context) (struct{}, error) {
			return struct{}{}, nil
		})
		checks["ownerLoop"] = err == nil
	}

	status := "healthy"
	for _, ok := range checks {
		if !ok {
			status = "unhealthy"
		}
	}
	return &HealthOutput{
		Status:    status,
		Node:      s.nodeID,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Ready reports whether the node accepts traffic.
func (s *Server) Ready() bool {
	if s.nc == nil || !s.nc.IsConnected() {
		return false
	}
	if s.sub != nil {
		return s.sub.State() == dispatcher.StateSubscribed
	}
	return s.listener != nil
}

// Status collects the node summary. World stats are read on the owner loop.
func (s *Server) Status(ctx context.Context) NodeStatus {
	st := NodeStatus{
		Node:          s.nodeID,
		Authoritative: s.cfg.Authoritative,
		Prefix:        s.cfg.ChannelPrefix,
	}
	if s.client != nil {
		st.PendingCalls = s.client.Pending()
	}
	if s.router == nil {
		return st
	}
	st.Subscriber = s.sub.State().String()
	st.Operations = s.router.Operations()
	st.OwnerBacklog = s.loop.Pending()
	stats, err := bridge.Call(ctx, s.loop, s.cfg.HealthCheckTimeout, func(context.Context) (island.Stats, error) {
		return s.world.Stats(), nil
	})
	if err != nil {
		st.WorldError = err.Error()
	} else {
		st.World = &stats
	}
	return st
}

// homePageTemplate is the HTML for the node status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>islandgate {{.Status.Node}}</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 700px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; width: 200px; }
    .stat { font-weight: bold; color: #0066cc; }
    .error { color: #cc0000; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>islandgate {{.Status.Node}}</h1>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <table>
      {{range $name, $ok := .Health.Checks}}
      <tr><th>{{$name}}</th><td>{{if $ok}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}}</td></tr>
      {{end}}
    </table>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Node</h2>
    <table>
      <tr><th>Role</th><td>{{if .Status.Authoritative}}authoritative{{else}}client{{end}}</td></tr>
      <tr><th>Channel prefix</th><td>{{.Status.Prefix}}</td></tr>
      <tr><th>Pending calls</th><td>{{.Status.PendingCalls}}</td></tr>
      {{if .Status.Authoritative}}
      <tr><th>Subscriber</th><td>{{.Status.Subscriber}}</td></tr>
      <tr><th>Owner backlog</th><td>{{.Status.OwnerBacklog}}</td></tr>
      {{end}}
    </table>
  </section>

  {{if .Status.Authoritative}}
  <section>
    <h2>World</h2>
    {{if .Status.WorldError}}
    <p class="error">Could not read the world: {{.Status.WorldError}}</p>
    {{else}}
    <p>Islands: <span class="stat">{{.Status.World.Islands}}</span>,
       players: <span class="stat">{{.Status.World.Players}}</span>,
       pending invites: <span class="stat">{{.Status.World.Invites}}</span></p>
    {{end}}
    <h2>Operations</h2>
    <table>
      {{range .Status.Operations}}<tr><td>{{.}}</td></tr>{{end}}
    </table>
  </section>
  {{end}}
</body>
</html>
`

type homeData struct {
	Health *HealthOutput
	Status NodeStatus
}

func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{Health: s.Health(ctx), Status: s.Status(ctx)}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
