// Package router is the façade over both transports. It applies the send
// policy (streaming preferred, bus as fallback or always-on redundancy),
// demultiplexes inbound frames to registered handlers by message tag, drops
// self-originated messages, and meters traffic.
package router

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"portalmesh/internal/identity"
	"portalmesh/internal/protocol"
	"portalmesh/internal/telemetry"
)

// StreamTransport is the direct point-to-point path.
type StreamTransport interface {
	Broadcast(frame []byte) int
	SendToNode(nodeID string, frame []byte) bool
	PeerCount() int
}

// BusTransport is the shared-medium path.
type BusTransport interface {
	Publish(frame []byte) error
	PublishToNode(nodeID string, frame []byte) error
}

// Handler consumes decoded inbound messages. A type alias so collaborating
// packages can declare registration interfaces without importing this one.
type Handler = func(m *protocol.Message)

// Config holds the router settings.
type Config struct {
	Binary               bool
	CompressionThreshold int

	// BusRedundant publishes every broadcast on the bus even when the
	// streaming path reached peers. Duplicate delivery is expected and
	// absorbed by per-stream dedup; the default is pure fallback.
	BusRedundant bool

	BatchEnabled  bool
	BatchInterval time.Duration
	BatchMaxSize  int
}

func (c *Config) applyDefaults() {
	if c.BatchInterval == 0 {
		c.BatchInterval = 5 * time.Millisecond
	}
	if c.BatchMaxSize == 0 {
		c.BatchMaxSize = 100
	}
}

// Stats is a snapshot of the router's monotonic traffic counters.
type Stats struct {
	MessagesSent     uint64 `json:"messagesSent"`
	MessagesReceived uint64 `json:"messagesReceived"`
	BytesSent        uint64 `json:"bytesSent"`
	BytesReceived    uint64 `json:"bytesReceived"`
	ConnectedPeers   int    `json:"connectedPeers"`
}

// Router owns both transports. Handlers are registered at startup and
// read-mostly thereafter; the inbound path is safe for concurrent invocation
// from every connection and topic context.
type Router struct {
	cfg    Config
	local  identity.NodeIdentity
	stream StreamTransport // may be nil
	bus    BusTransport    // may be nil

	handlersMu sync.RWMutex
	handlers   map[protocol.Tag][]Handler

	batchMu sync.Mutex
	batch   [][]byte

	msgsSent  atomic.Uint64
	msgsRecv  atomic.Uint64
	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Router. Either transport may be nil; sends that find no
// usable transport fail with a TransportError.
func New(local identity.NodeIdentity, stream StreamTransport, bus BusTransport, cfg Config) *Router {
	cfg.applyDefaults()
	return &Router{
		cfg:      cfg,
		local:    local,
		stream:   stream,
		bus:      bus,
		handlers: make(map[protocol.Tag][]Handler),
		stopChan: make(chan struct{}),
	}
}

// Start launches the periodic batch flush when batching is enabled.
func (r *Router) Start() {
	if !r.cfg.BatchEnabled {
		return
	}
	r.wg.Add(1)
	go r.flushLoop()
}

// Stop flushes any pending batch and stops the flush loop.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.wg.Wait()
		r.flushBatch()
	})
}

// RegisterHandler subscribes a consumer to one or more message tags.
// Handlers for a tag run in registration order; a panicking handler is
// logged and does not prevent the others from running.
func (r *Router) RegisterHandler(h Handler, tags ...protocol.Tag) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	for _, tag := range tags {
		r.handlers[tag] = append(r.handlers[tag], h)
	}
}

func (r *Router) encode(m *protocol.Message) ([]byte, error) {
	return protocol.Encode(m, r.cfg.Binary, r.cfg.CompressionThreshold)
}

// Broadcast encodes once and sends to the whole cluster. With batching
// enabled the frame is queued and flushed by the periodic flush (or early
// when the batch is full).
func (r *Router) Broadcast(m *protocol.Message) error {
	frame, err := r.encode(m)
	if err != nil {
		return err
	}
	if r.cfg.BatchEnabled {
		r.batchMu.Lock()
		r.batch = append(r.batch, frame)
		full := len(r.batch) >= r.cfg.BatchMaxSize
		r.batchMu.Unlock()
		if full {
			r.flushBatch()
		}
		return nil
	}
	return r.sendFrame(frame)
}

// sendFrame applies the dual-path send policy.
func (r *Router) sendFrame(frame []byte) error {
	reached := 0
	if r.stream != nil {
		reached = r.stream.Broadcast(frame)
		if reached > 0 {
			r.countSent(reached, len(frame), "stream")
		}
	}
	if r.bus != nil && (reached == 0 || r.cfg.BusRedundant) {
		if err := r.bus.Publish(frame); err != nil {
			logrus.Warnf("router: bus publish: %v", err)
			if reached == 0 {
				return &protocol.TransportError{Transport: "bus", Err: err}
			}
			return nil
		}
		r.countSent(1, len(frame), "bus")
		reached++
	}
	if reached == 0 && r.stream == nil && r.bus == nil {
		return &protocol.TransportError{Transport: "none", Err: errors.New("no transport configured")}
	}
	return nil
}

// SendToNode prefers the direct connection and falls back to the node's
// private bus topic.
func (r *Router) SendToNode(nodeID string, m *protocol.Message) error {
	frame, err := r.encode(m)
	if err != nil {
		return err
	}
	if r.stream != nil && r.stream.SendToNode(nodeID, frame) {
		r.countSent(1, len(frame), "stream")
		return nil
	}
	if r.bus != nil {
		if err := r.bus.PublishToNode(nodeID, frame); err != nil {
			return &protocol.TransportError{Transport: "bus", Node: nodeID, Err: err}
		}
		r.countSent(1, len(frame), "bus")
		return nil
	}
	return &protocol.TransportError{Transport: "stream", Node: nodeID,
		Err: errors.New("no established connection and no bus configured")}
}

func (r *Router) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.flushBatch()
		}
	}
}

// flushBatch wraps all queued frames into one compound message. A batch of
// one is unwrapped and sent as-is.
func (r *Router) flushBatch() {
	r.batchMu.Lock()
	pending := r.batch
	r.batch = nil
	r.batchMu.Unlock()
	if len(pending) == 0 {
		return
	}
	if len(pending) == 1 {
		if err := r.sendFrame(pending[0]); err != nil {
			logrus.Warnf("router: batch flush: %v", err)
		}
		return
	}
	compound := protocol.New(r.local.ID(), &protocol.Compound{Frames: pending})
	frame, err := r.encode(compound)
	if err != nil {
		logrus.Errorf("router: encode compound of %d frames: %v", len(pending), err)
		return
	}
	if err := r.sendFrame(frame); err != nil {
		logrus.Warnf("router: batch flush: %v", err)
	}
}

// HandleFrame is the single inbound entry point for both transports. It is
// safe for concurrent invocation from many connection and topic contexts.
func (r *Router) HandleFrame(frame []byte) {
	r.bytesRecv.Add(uint64(len(frame)))
	telemetry.BytesReceived.Add(float64(len(frame)))

	m, err := protocol.Decode(frame)
	if err != nil {
		telemetry.DecodeFailures.Inc()
		logrus.Warnf("router: dropping undecodable frame: %v", err)
		return
	}

	// Drop self-originated messages: the bus echoes our own publishes back
	// and the dual-path policy makes duplicates routine.
	if m.SourceNode == r.local.ID() {
		logrus.Debugf("router: dropped self-originated message %s", m.MessageID)
		return
	}

	r.msgsRecv.Add(1)
	telemetry.MessagesReceived.Inc()

	if compound, ok := m.Payload.(*protocol.Compound); ok {
		for _, inner := range compound.Frames {
			r.HandleFrame(inner)
		}
		return
	}

	r.dispatch(m)
}

func (r *Router) dispatch(m *protocol.Message) {
	tag := m.Payload.Tag()
	r.handlersMu.RLock()
	handlers := r.handlers[tag]
	r.handlersMu.RUnlock()
	if len(handlers) == 0 {
		logrus.Debugf("router: no handler for tag %d from %s", tag, m.SourceNode)
		return
	}
	for _, h := range handlers {
		r.invoke(h, m)
	}
}

// invoke isolates handler failures: one consumer blowing up must not stop
// the rest, and never the router.
func (r *Router) invoke(h Handler, m *protocol.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.HandlerPanics.Inc()
			logrus.Errorf("router: handler for tag %d panicked: %v", m.Payload.Tag(), rec)
		}
	}()
	h(m)
}

func (r *Router) countSent(messages, frameBytes int, transport string) {
	r.msgsSent.Add(uint64(messages))
	r.bytesSent.Add(uint64(messages * frameBytes))
	telemetry.MessagesSent.WithLabelValues(transport).Add(float64(messages))
	telemetry.BytesSent.WithLabelValues(transport).Add(float64(messages * frameBytes))
}

// Stats returns a snapshot of the traffic counters. Safe to call while
// senders and receivers are running.
func (r *Router) Stats() Stats {
	s := Stats{
		MessagesSent:     r.msgsSent.Load(),
		MessagesReceived: r.msgsRecv.Load(),
		BytesSent:        r.bytesSent.Load(),
		BytesReceived:    r.bytesRecv.Load(),
	}
	if r.stream != nil {
		s.ConnectedPeers = r.stream.PeerCount()
		telemetry.ConnectedPeers.Set(float64(s.ConnectedPeers))
	}
	return s
}
