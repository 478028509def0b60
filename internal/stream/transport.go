// Package stream implements the point-to-point streaming transport: a TCP
// listener for inbound peers, dialers for configured peers, and a per-peer
// connection map keyed by node id after the handshake.
package stream

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"portalmesh/internal/protocol"
)

// Config holds the streaming transport settings.
type Config struct {
	ListenAddr       string
	Peers            []string // addresses to dial and keep dialed
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	RedialInterval   time.Duration
	MaxFrameSize     uint32
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.RedialInterval == 0 {
		c.RedialInterval = 15 * time.Second
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = protocol.MaxFrameSize
	}
}

// FrameHandler receives every post-handshake frame from every connection.
type FrameHandler func(frame []byte)

// Transport owns all streaming connections of the local node.
type Transport struct {
	cfg     Config
	localID string
	onFrame FrameHandler

	ln net.Listener

	mu    sync.RWMutex
	conns map[string]*conn // nodeID -> established connection

	dialMu  sync.Mutex
	dialing map[string]*conn // peer addr -> live outbound connection

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Transport. The frame handler must be set before Start.
func New(cfg Config, localNodeID string) *Transport {
	cfg.applyDefaults()
	return &Transport{
		cfg:      cfg,
		localID:  localNodeID,
		conns:    make(map[string]*conn),
		dialing:  make(map[string]*conn),
		stopChan: make(chan struct{}),
	}
}

// OnFrame registers the inbound callback. Called once at startup.
func (t *Transport) OnFrame(h FrameHandler) { t.onFrame = h }

// Start binds the listener and begins dialing configured peers.
func (t *Transport) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("stream: listen on %s: %w", t.cfg.ListenAddr, err)
	}
	t.ln = ln
	logrus.Infof("stream: listening on %s as node %s", ln.Addr(), t.localID)

	t.wg.Add(1)
	go t.acceptLoop()

	if len(t.cfg.Peers) > 0 {
		t.wg.Add(1)
		go t.dialLoop(ctx)
	}
	return nil
}

// Stop closes the listener and every connection, then waits for all loops.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopChan)
		if t.ln != nil {
			_ = t.ln.Close()
		}
		t.mu.Lock()
		for _, pc := range t.conns {
			go pc.close()
		}
		t.mu.Unlock()
		t.dialMu.Lock()
		for _, pc := range t.dialing {
			go pc.close()
		}
		t.dialMu.Unlock()
		t.wg.Wait()
		logrus.Info("stream: transport stopped")
	})
}

// Addr returns the bound listen address, useful when ListenAddr used port 0.
func (t *Transport) Addr() string {
	if t.ln == nil {
		return t.cfg.ListenAddr
	}
	return t.ln.Addr().String()
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		c, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.stopChan:
				return
			default:
			}
			logrus.Warnf("stream: accept: %v", err)
			continue
		}
		pc := newConn(t, c, true)
		t.wg.Add(1)
		go pc.readLoop()
	}
}

// dialLoop keeps one outbound connection attempt per configured peer alive,
// retrying dead addresses every RedialInterval.
func (t *Transport) dialLoop(ctx context.Context) {
	defer t.wg.Done()

	t.dialAll(ctx)
	ticker := time.NewTicker(t.cfg.RedialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.dialAll(ctx)
		}
	}
}

func (t *Transport) dialAll(ctx context.Context) {
	for _, addr := range t.cfg.Peers {
		t.dialMu.Lock()
		live := t.dialing[addr]
		t.dialMu.Unlock()
		if live != nil && connState(live.state.Load()) != stateClosed {
			continue
		}
		go t.dialPeer(ctx, addr)
	}
}

func (t *Transport) dialPeer(ctx context.Context, addr string) {
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		logrus.Debugf("stream: dial %s: %v", addr, err)
		return
	}
	pc := newConn(t, c, false)

	t.dialMu.Lock()
	if old := t.dialing[addr]; old != nil && connState(old.state.Load()) != stateClosed {
		t.dialMu.Unlock()
		_ = c.Close()
		return
	}
	t.dialing[addr] = pc
	t.dialMu.Unlock()

	select {
	case <-t.stopChan:
		pc.close()
		return
	default:
	}

	// The initiator speaks first.
	if err := pc.writeFrame([]byte(HandshakePrefix + t.localID)); err != nil {
		logrus.Warnf("stream: handshake to %s failed: %v", addr, err)
		pc.close()
		return
	}
	t.wg.Add(1)
	go pc.readLoop()
}

// registerPeer records a connection under a node id, superseding and closing
// any previous connection for the same id (last writer wins on the map).
func (t *Transport) registerPeer(nodeID string, pc *conn) {
	t.mu.Lock()
	old := t.conns[nodeID]
	t.conns[nodeID] = pc
	t.mu.Unlock()
	if old != nil && old != pc {
		logrus.Infof("stream: superseding prior connection for node %s", nodeID)
		old.close()
	}
}

// deregisterPeer removes the mapping only if it still points at pc, so a
// superseded connection cannot knock out its replacement. Idempotent.
func (t *Transport) deregisterPeer(nodeID string, pc *conn) {
	t.mu.Lock()
	if t.conns[nodeID] == pc {
		delete(t.conns, nodeID)
		logrus.Infof("stream: node %s disconnected", nodeID)
	}
	t.mu.Unlock()
}

func (t *Transport) deliver(frame []byte) {
	if t.onFrame != nil {
		t.onFrame(frame)
	}
}

// Broadcast fans a frame out to every established peer and reports how many
// peers it reached. Per-peer write failures are logged, not propagated.
func (t *Transport) Broadcast(frame []byte) int {
	t.mu.RLock()
	peers := make([]*conn, 0, len(t.conns))
	for _, pc := range t.conns {
		peers = append(peers, pc)
	}
	t.mu.RUnlock()

	reached := 0
	for _, pc := range peers {
		if !pc.established() {
			continue
		}
		if err := pc.writeFrame(frame); err != nil {
			logrus.Warnf("stream: broadcast to node %s: %v", pc.peerID(), err)
			continue
		}
		reached++
	}
	return reached
}

// SendToNode writes a frame to the single connection for a node id and
// reports whether such a connection existed and was writable.
func (t *Transport) SendToNode(nodeID string, frame []byte) bool {
	t.mu.RLock()
	pc := t.conns[nodeID]
	t.mu.RUnlock()
	if pc == nil || !pc.established() {
		return false
	}
	if err := pc.writeFrame(frame); err != nil {
		logrus.Warnf("stream: send to node %s: %v", nodeID, err)
		return false
	}
	return true
}

// ConnectedPeers lists the node ids with an established connection, sorted.
func (t *Transport) ConnectedPeers() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.conns))
	for id, pc := range t.conns {
		if pc.established() {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// PeerCount reports the number of established connections.
func (t *Transport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
