// Package status exposes the read-only admin surface: node list, latency
// samples and traffic counters over HTTP, plus the prometheus registry.
package status

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"portalmesh/internal/identity"
	"portalmesh/internal/liveness"
	"portalmesh/internal/router"
	"portalmesh/internal/telemetry"
)

// Server serves /healthz, /status and /metrics.
type Server struct {
	local    identity.NodeIdentity
	registry *liveness.Registry
	rtr      *router.Router
}

func NewServer(local identity.NodeIdentity, registry *liveness.Registry, rtr *router.Router) *Server {
	return &Server{local: local, registry: registry, rtr: rtr}
}

// Handler builds the mux. The caller owns the http.Server lifecycle.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.Healthz)
	mux.HandleFunc("/status", s.Status)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// Healthz returns 200 OK to indicate the node is alive.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type nodeView struct {
	liveness.PeerInfo
	LatencyMillis int64 `json:"latencyMillis"`
}

type statusResponse struct {
	PID     int          `json:"pid"`
	Now     time.Time    `json:"now"`
	NodeID  string       `json:"nodeId"`
	Name    string       `json:"name"`
	Region  string       `json:"region"`
	Primary bool         `json:"primary"`
	Stats   router.Stats `json:"stats"`
	Nodes   []nodeView   `json:"nodes"`
}

// Status writes a JSON snapshot of the cluster as this node sees it.
func (s *Server) Status(w http.ResponseWriter, _ *http.Request) {
	peers := s.registry.Nodes()
	views := make([]nodeView, 0, len(peers))
	for _, p := range peers {
		v := nodeView{PeerInfo: p}
		if p.HasLatency {
			v.LatencyMillis = p.Latency.Milliseconds()
		} else {
			v.LatencyMillis = -1 // unknown
		}
		views = append(views, v)
	}

	data, _ := json.Marshal(statusResponse{
		PID:     os.Getpid(),
		Now:     time.Now(),
		NodeID:  s.local.ID(),
		Name:    s.local.Name(),
		Region:  s.local.Region(),
		Primary: s.local.Primary(),
		Stats:   s.rtr.Stats(),
		Nodes:   views,
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
