// Package liveness tracks the peer nodes of the cluster: announce and
// heartbeat ingestion, ping/pong round-trip sampling, and staleness eviction
// on a periodic tick.
package liveness

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"portalmesh/internal/identity"
	"portalmesh/internal/protocol"
	"portalmesh/internal/telemetry"
)

// Sender is the slice of the router this package needs.
type Sender interface {
	Broadcast(m *protocol.Message) error
	SendToNode(nodeID string, m *protocol.Message) error
}

// Registrar subscribes handlers to message tags. Satisfied by the router.
type Registrar interface {
	RegisterHandler(h func(m *protocol.Message), tags ...protocol.Tag)
}

// MetaStore is the optional bus side-channel for node metadata with TTL.
type MetaStore interface {
	PutNodeMeta(nodeID string, meta []byte, ttl time.Duration) error
}

// HostStats reports the local node's mutable health, supplied by the host.
type HostStats struct {
	Players  int
	Capacity int
	TPS      float64
}

// Config holds the liveness timings.
type Config struct {
	TickInterval time.Duration // default 5s
	StaleAfter   time.Duration // default 60s
	PingTimeout  time.Duration // default 10s
	MetaTTL      time.Duration // default 30s

	latencyWindow int
}

func (c *Config) applyDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 60 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.MetaTTL == 0 {
		c.MetaTTL = 30 * time.Second
	}
	if c.latencyWindow == 0 {
		c.latencyWindow = 8
	}
}

// PeerInfo is a read-only snapshot of one peer record.
type PeerInfo struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Region     string        `json:"region"`
	Primary    bool          `json:"primary"`
	Addr       string        `json:"addr"`
	Players    int           `json:"players"`
	Capacity   int           `json:"capacity"`
	Version    string        `json:"version"`
	TPS        float64       `json:"tps"`
	LastSeen   time.Time     `json:"lastSeen"`
	Latency    time.Duration `json:"latency"`
	HasLatency bool          `json:"hasLatency"`
}

type peerRecord struct {
	info     PeerInfo
	lastSeen time.Time
}

// Registry owns the peer records, the pending-ping table and the latency
// samples. All three are mutated by network-read contexts and pruned by the
// tick; each has its own lock so a slow path never serializes the others.
type Registry struct {
	cfg    Config
	local  identity.NodeIdentity
	sender Sender
	meta   MetaStore // may be nil

	mu    sync.RWMutex
	peers map[string]*peerRecord

	pingMu  sync.Mutex
	pending map[string]time.Time // ping messageID -> sent at

	latMu   sync.Mutex
	latency map[string][]time.Duration // nodeID -> rolling samples

	// stats reports local health for announces and heartbeats. Optional.
	stats func() HostStats

	// onEvict observes staleness evictions, for external monitoring.
	onEvict func(nodeID string)

	now func() time.Time

	startedAt time.Time
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New builds a Registry and registers its message handlers.
func New(local identity.NodeIdentity, sender Sender, reg Registrar, cfg Config) *Registry {
	cfg.applyDefaults()
	r := &Registry{
		cfg:      cfg,
		local:    local,
		sender:   sender,
		peers:    make(map[string]*peerRecord),
		pending:  make(map[string]time.Time),
		latency:  make(map[string][]time.Duration),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	reg.RegisterHandler(r.handleAnnounce, protocol.TagAnnounce)
	reg.RegisterHandler(r.handleHeartbeat, protocol.TagHeartbeat)
	reg.RegisterHandler(r.handlePing, protocol.TagPing)
	reg.RegisterHandler(r.handlePong, protocol.TagPong)
	reg.RegisterHandler(r.handleGoodbye, protocol.TagGoodbye)
	return r
}

// SetMetaStore attaches the bus side-channel refreshed on every tick.
func (r *Registry) SetMetaStore(m MetaStore) { r.meta = m }

// SetStatsFunc attaches the host callback for local player count and health.
func (r *Registry) SetStatsFunc(f func() HostStats) { r.stats = f }

// SetEvictHook observes staleness evictions.
func (r *Registry) SetEvictHook(f func(nodeID string)) { r.onEvict = f }

// Start announces the local node and begins the periodic tick.
func (r *Registry) Start() {
	r.startedAt = r.now()
	r.Announce()
	r.wg.Add(1)
	go r.tickLoop()
}

// Stop sends a goodbye so peers can evict early, then stops the tick.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		if err := r.sender.Broadcast(protocol.New(r.local.ID(), &protocol.Goodbye{Reason: "shutdown"})); err != nil {
			logrus.Debugf("liveness: goodbye: %v", err)
		}
		close(r.stopChan)
		r.wg.Wait()
	})
}

// Announce broadcasts the local node's record to the cluster.
func (r *Registry) Announce() {
	st := r.hostStats()
	msg := protocol.New(r.local.ID(), &protocol.Announce{
		Name:     r.local.Name(),
		Region:   r.local.Region(),
		Primary:  r.local.Primary(),
		Addr:     r.local.AdvertiseAddr(),
		Players:  st.Players,
		Capacity: st.Capacity,
		Version:  r.local.Version(),
		TPS:      st.TPS,
	})
	if err := r.sender.Broadcast(msg); err != nil {
		logrus.Warnf("liveness: announce: %v", err)
	}
}

func (r *Registry) hostStats() HostStats {
	if r.stats != nil {
		return r.stats()
	}
	return HostStats{}
}

func (r *Registry) tickLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick runs one maintenance cycle: prune lost pings, evict stale peers, ping
// the survivors, emit the local heartbeat, refresh the bus metadata lease.
func (r *Registry) Tick() {
	now := r.now()

	r.pingMu.Lock()
	for id, sentAt := range r.pending {
		if now.Sub(sentAt) > r.cfg.PingTimeout {
			delete(r.pending, id) // lost, no retry
		}
	}
	r.pingMu.Unlock()

	var stale []string
	r.mu.Lock()
	for id, rec := range r.peers {
		if now.Sub(rec.lastSeen) > r.cfg.StaleAfter {
			stale = append(stale, id)
			delete(r.peers, id)
		}
	}
	remaining := make([]string, 0, len(r.peers))
	for id := range r.peers {
		remaining = append(remaining, id)
	}
	telemetry.KnownNodes.Set(float64(len(r.peers)))
	r.mu.Unlock()

	for _, id := range stale {
		r.dropLatency(id)
		telemetry.NodeEvictions.Inc()
		logrus.Warnf("liveness: evicting node %s, silent for over %s", id, r.cfg.StaleAfter)
		if r.onEvict != nil {
			r.onEvict(id)
		}
	}

	for _, id := range remaining {
		r.sendPing(id)
	}

	st := r.hostStats()
	hb := protocol.New(r.local.ID(), &protocol.Heartbeat{
		Players:  st.Players,
		Capacity: st.Capacity,
		TPS:      st.TPS,
		Uptime:   int64(now.Sub(r.startedAt) / time.Second),
	})
	if err := r.sender.Broadcast(hb); err != nil {
		logrus.Warnf("liveness: heartbeat: %v", err)
	}

	r.refreshMeta()
}

func (r *Registry) refreshMeta() {
	if r.meta == nil {
		return
	}
	st := r.hostStats()
	meta, err := json.Marshal(PeerInfo{
		ID:       r.local.ID(),
		Name:     r.local.Name(),
		Region:   r.local.Region(),
		Primary:  r.local.Primary(),
		Addr:     r.local.AdvertiseAddr(),
		Players:  st.Players,
		Capacity: st.Capacity,
		Version:  r.local.Version(),
		TPS:      st.TPS,
		LastSeen: r.now(),
	})
	if err != nil {
		return
	}
	if err := r.meta.PutNodeMeta(r.local.ID(), meta, r.cfg.MetaTTL); err != nil {
		logrus.Debugf("liveness: meta refresh: %v", err)
	}
}

func (r *Registry) sendPing(nodeID string) {
	msg := protocol.New(r.local.ID(), &protocol.Ping{Target: nodeID})
	r.pingMu.Lock()
	r.pending[msg.MessageID] = r.now()
	r.pingMu.Unlock()
	if err := r.sender.SendToNode(nodeID, msg); err != nil {
		logrus.Debugf("liveness: ping %s: %v", nodeID, err)
	}
}

func (r *Registry) handleAnnounce(m *protocol.Message) {
	a, ok := m.Payload.(*protocol.Announce)
	if !ok {
		return
	}
	now := r.now()
	r.mu.Lock()
	_, known := r.peers[m.SourceNode]
	r.peers[m.SourceNode] = &peerRecord{
		info: PeerInfo{
			ID:       m.SourceNode,
			Name:     a.Name,
			Region:   a.Region,
			Primary:  a.Primary,
			Addr:     a.Addr,
			Players:  a.Players,
			Capacity: a.Capacity,
			Version:  a.Version,
			TPS:      a.TPS,
		},
		lastSeen: now,
	}
	r.mu.Unlock()

	if !known {
		logrus.Infof("liveness: discovered node %s (%s, region %s)", m.SourceNode, a.Name, a.Region)
		// Seed a latency sample right away.
		r.sendPing(m.SourceNode)
	}
}

func (r *Registry) handleHeartbeat(m *protocol.Message) {
	hb, ok := m.Payload.(*protocol.Heartbeat)
	if !ok {
		return
	}
	r.mu.Lock()
	rec := r.peers[m.SourceNode]
	if rec != nil {
		rec.info.Players = hb.Players
		rec.info.Capacity = hb.Capacity
		rec.info.TPS = hb.TPS
		rec.lastSeen = r.now()
	}
	r.mu.Unlock()
	if rec == nil {
		// Heartbeat from a node we never saw announce; ask it to re-announce
		// by announcing ourselves directly.
		logrus.Debugf("liveness: heartbeat from unknown node %s", m.SourceNode)
	}
}

// handlePing answers with exactly one pong, and only when we are the target.
func (r *Registry) handlePing(m *protocol.Message) {
	p, ok := m.Payload.(*protocol.Ping)
	if !ok || p.Target != r.local.ID() {
		return
	}
	pong := protocol.New(r.local.ID(), &protocol.Pong{
		Target:        m.SourceNode,
		PingID:        m.MessageID,
		PingTimestamp: m.Timestamp,
	})
	if err := r.sender.SendToNode(m.SourceNode, pong); err != nil {
		logrus.Debugf("liveness: pong to %s: %v", m.SourceNode, err)
	}
}

// handlePong correlates against the pending-ping table; a pong whose ping was
// already pruned is silently ignored.
func (r *Registry) handlePong(m *protocol.Message) {
	p, ok := m.Payload.(*protocol.Pong)
	if !ok || p.Target != r.local.ID() {
		return
	}
	r.pingMu.Lock()
	sentAt, found := r.pending[p.PingID]
	if found {
		delete(r.pending, p.PingID)
	}
	r.pingMu.Unlock()
	if !found {
		return
	}
	rtt := r.now().Sub(sentAt)
	if rtt < 0 {
		return
	}
	r.recordLatency(m.SourceNode, rtt)

	r.mu.Lock()
	if rec := r.peers[m.SourceNode]; rec != nil {
		rec.lastSeen = r.now()
	}
	r.mu.Unlock()
}

func (r *Registry) handleGoodbye(m *protocol.Message) {
	r.mu.Lock()
	_, known := r.peers[m.SourceNode]
	delete(r.peers, m.SourceNode)
	r.mu.Unlock()
	if known {
		r.dropLatency(m.SourceNode)
		logrus.Infof("liveness: node %s said goodbye", m.SourceNode)
		if r.onEvict != nil {
			r.onEvict(m.SourceNode)
		}
	}
}

func (r *Registry) recordLatency(nodeID string, rtt time.Duration) {
	r.latMu.Lock()
	defer r.latMu.Unlock()
	samples := append(r.latency[nodeID], rtt)
	if len(samples) > r.cfg.latencyWindow {
		samples = samples[len(samples)-r.cfg.latencyWindow:]
	}
	r.latency[nodeID] = samples
}

func (r *Registry) dropLatency(nodeID string) {
	r.latMu.Lock()
	delete(r.latency, nodeID)
	r.latMu.Unlock()
}

// Latency returns the smoothed round-trip time for a peer, or false when no
// sample exists (never pinged, evicted, or all pings lost).
func (r *Registry) Latency(nodeID string) (time.Duration, bool) {
	r.latMu.Lock()
	defer r.latMu.Unlock()
	samples := r.latency[nodeID]
	if len(samples) == 0 {
		return 0, false
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return sum / time.Duration(len(samples)), true
}

// Nodes returns a snapshot of all known peers, sorted by id.
func (r *Registry) Nodes() []PeerInfo {
	r.mu.RLock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, rec := range r.peers {
		info := rec.info
		info.LastSeen = rec.lastSeen
		out = append(out, info)
	}
	r.mu.RUnlock()

	for i := range out {
		if lat, ok := r.Latency(out[i].ID); ok {
			out[i].Latency = lat
			out[i].HasLatency = true
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingPings reports the size of the pending-ping table. For tests and
// status reporting.
func (r *Registry) PendingPings() int {
	r.pingMu.Lock()
	defer r.pingMu.Unlock()
	return len(r.pending)
}
