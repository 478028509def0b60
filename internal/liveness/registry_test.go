package liveness

import (
	"sync"
	"testing"
	"time"

	"portalmesh/internal/identity"
	"portalmesh/internal/protocol"
)

type fakeSender struct {
	mu         sync.Mutex
	broadcasts []*protocol.Message
	direct     map[string][]*protocol.Message
}

func newFakeSender() *fakeSender {
	return &fakeSender{direct: make(map[string][]*protocol.Message)}
}

func (f *fakeSender) Broadcast(m *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, m)
	return nil
}

func (f *fakeSender) SendToNode(nodeID string, m *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct[nodeID] = append(f.direct[nodeID], m)
	return nil
}

func (f *fakeSender) sentTo(nodeID string) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Message(nil), f.direct[nodeID]...)
}

type fakeRegistrar struct {
	handlers map[protocol.Tag][]func(m *protocol.Message)
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{handlers: make(map[protocol.Tag][]func(m *protocol.Message))}
}

func (f *fakeRegistrar) RegisterHandler(h func(m *protocol.Message), tags ...protocol.Tag) {
	for _, tag := range tags {
		f.handlers[tag] = append(f.handlers[tag], h)
	}
}

func (f *fakeRegistrar) dispatch(m *protocol.Message) {
	for _, h := range f.handlers[m.Payload.Tag()] {
		h(m)
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSender, *fakeRegistrar, *fakeClock) {
	t.Helper()
	sender := newFakeSender()
	registrar := newFakeRegistrar()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	local := identity.New("node-a", "alpha", "eu", "10.0.0.1:25600", "1.0.0", true)
	r := New(local, sender, registrar, Config{})
	r.now = clk.Now
	return r, sender, registrar, clk
}

func announceFrom(nodeID string) *protocol.Message {
	return protocol.New(nodeID, &protocol.Announce{Name: nodeID, Region: "eu", Addr: nodeID + ":25600", Capacity: 100})
}

func TestAnnounceInsertsAndSeedsPing(t *testing.T) {
	r, sender, registrar, _ := newTestRegistry(t)

	registrar.dispatch(announceFrom("node-b"))

	nodes := r.Nodes()
	if len(nodes) != 1 || nodes[0].ID != "node-b" {
		t.Fatalf("nodes after announce: %+v", nodes)
	}
	pings := sender.sentTo("node-b")
	if len(pings) != 1 {
		t.Fatalf("expected one seed ping, got %d messages", len(pings))
	}
	if p, ok := pings[0].Payload.(*protocol.Ping); !ok || p.Target != "node-b" {
		t.Fatalf("seed message is not a targeted ping: %+v", pings[0].Payload)
	}
	if r.PendingPings() != 1 {
		t.Fatalf("pending pings %d, want 1", r.PendingPings())
	}

	// A second announce updates the record without re-seeding.
	registrar.dispatch(announceFrom("node-b"))
	if len(sender.sentTo("node-b")) != 1 {
		t.Fatal("re-announce triggered another seed ping")
	}
}

func TestPingAnsweredOnlyForTarget(t *testing.T) {
	_, sender, registrar, _ := newTestRegistry(t)

	registrar.dispatch(protocol.New("node-b", &protocol.Ping{Target: "node-a"}))
	pongs := sender.sentTo("node-b")
	if len(pongs) != 1 {
		t.Fatalf("expected one pong, got %d", len(pongs))
	}
	if _, ok := pongs[0].Payload.(*protocol.Pong); !ok {
		t.Fatalf("reply is not a pong: %+v", pongs[0].Payload)
	}

	registrar.dispatch(protocol.New("node-b", &protocol.Ping{Target: "someone-else"}))
	if len(sender.sentTo("node-b")) != 1 {
		t.Fatal("answered a ping addressed to another node")
	}
}

func TestPongCorrelationYieldsLatency(t *testing.T) {
	r, sender, registrar, clk := newTestRegistry(t)

	registrar.dispatch(announceFrom("node-b"))
	ping := sender.sentTo("node-b")[0]

	clk.Advance(20 * time.Millisecond)
	registrar.dispatch(protocol.New("node-b", &protocol.Pong{
		Target: "node-a", PingID: ping.MessageID, PingTimestamp: ping.Timestamp,
	}))

	lat, ok := r.Latency("node-b")
	if !ok {
		t.Fatal("no latency sample after correlated pong")
	}
	if lat != 20*time.Millisecond {
		t.Fatalf("latency %v, want 20ms", lat)
	}
	if r.PendingPings() != 0 {
		t.Fatal("pending ping not consumed")
	}
}

func TestUncorrelatedPongIsIgnored(t *testing.T) {
	r, _, registrar, _ := newTestRegistry(t)

	registrar.dispatch(protocol.New("node-b", &protocol.Pong{
		Target: "node-a", PingID: "0123456789abcdef",
	}))
	if _, ok := r.Latency("node-b"); ok {
		t.Fatal("uncorrelated pong produced a latency sample")
	}
}

func TestLatePongAfterPruneIsIgnored(t *testing.T) {
	r, sender, registrar, clk := newTestRegistry(t)

	registrar.dispatch(announceFrom("node-b"))
	ping := sender.sentTo("node-b")[0]

	// Past the ping timeout the tick prunes the entry as lost. The tick also
	// pings node-b afresh, but the old correlation id must be gone.
	clk.Advance(11 * time.Second)
	r.Tick()

	registrar.dispatch(protocol.New("node-b", &protocol.Pong{
		Target: "node-a", PingID: ping.MessageID, PingTimestamp: ping.Timestamp,
	}))
	if _, ok := r.Latency("node-b"); ok {
		t.Fatal("late pong produced a latency sample")
	}
}

func TestStalePeerEvicted(t *testing.T) {
	r, sender, registrar, clk := newTestRegistry(t)
	var evicted []string
	r.SetEvictHook(func(id string) { evicted = append(evicted, id) })

	registrar.dispatch(announceFrom("node-b"))
	ping := sender.sentTo("node-b")[0]
	clk.Advance(time.Millisecond)
	registrar.dispatch(protocol.New("node-b", &protocol.Pong{
		Target: "node-a", PingID: ping.MessageID, PingTimestamp: ping.Timestamp,
	}))
	if _, ok := r.Latency("node-b"); !ok {
		t.Fatal("setup: no latency sample")
	}

	clk.Advance(61 * time.Second)
	r.Tick()

	if len(r.Nodes()) != 0 {
		t.Fatal("stale peer still present after tick")
	}
	if _, ok := r.Latency("node-b"); ok {
		t.Fatal("eviction left a cached latency sample")
	}
	if len(evicted) != 1 || evicted[0] != "node-b" {
		t.Fatalf("evict hook calls: %v", evicted)
	}
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	r, _, registrar, clk := newTestRegistry(t)

	registrar.dispatch(announceFrom("node-b"))
	clk.Advance(40 * time.Second)
	registrar.dispatch(protocol.New("node-b", &protocol.Heartbeat{Players: 9, TPS: 19.5}))

	clk.Advance(30 * time.Second) // 70s after announce, 30s after heartbeat
	r.Tick()

	nodes := r.Nodes()
	if len(nodes) != 1 {
		t.Fatal("heartbeat did not keep the peer alive")
	}
	if nodes[0].Players != 9 || nodes[0].TPS != 19.5 {
		t.Fatalf("heartbeat did not update health fields: %+v", nodes[0])
	}
}

func TestTickPingsRemainingPeersAndEmitsHeartbeat(t *testing.T) {
	r, sender, registrar, clk := newTestRegistry(t)

	registrar.dispatch(announceFrom("node-b"))
	registrar.dispatch(announceFrom("node-c"))
	clk.Advance(5 * time.Second)

	before := len(sender.broadcasts)
	r.Tick()

	if got := len(sender.sentTo("node-b")); got != 2 { // seed + tick
		t.Fatalf("node-b received %d pings, want 2", got)
	}
	if got := len(sender.sentTo("node-c")); got != 2 {
		t.Fatalf("node-c received %d pings, want 2", got)
	}

	var sawHeartbeat bool
	for _, m := range sender.broadcasts[before:] {
		if _, ok := m.Payload.(*protocol.Heartbeat); ok {
			sawHeartbeat = true
		}
	}
	if !sawHeartbeat {
		t.Fatal("tick did not emit a heartbeat")
	}
}

func TestGoodbyeEvictsImmediately(t *testing.T) {
	r, _, registrar, _ := newTestRegistry(t)

	registrar.dispatch(announceFrom("node-b"))
	registrar.dispatch(protocol.New("node-b", &protocol.Goodbye{Reason: "restart"}))

	if len(r.Nodes()) != 0 {
		t.Fatal("goodbye did not evict the peer")
	}
}
