package replicate

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"portalmesh/internal/protocol"
)

// ActorApplier is the host-side sink for remote actor state. The core never
// touches the game world itself.
type ActorApplier interface {
	ApplyPose(sourceNode string, p protocol.PoseUpdate)
	ApplyJoin(sourceNode string, j protocol.ActorJoin)
	ApplyLeave(sourceNode string, l protocol.ActorLeave)
	ApplyVitals(sourceNode string, v protocol.VitalsUpdate)
	ApplyMeta(sourceNode string, m protocol.ActorMeta)
}

// TeleportHandler decides whether an incoming cross-node teleport is
// accepted. Supplied by the host.
type TeleportHandler func(req protocol.TeleportRequest) protocol.TeleportAck

// ActorStreamConfig tunes the pose batch.
type ActorStreamConfig struct {
	FlushInterval time.Duration // default 50ms
	MaxBatch      int           // default 100
}

func (c *ActorStreamConfig) applyDefaults() {
	if c.FlushInterval == 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = 100
	}
}

// ActorStream replicates actor presence: joins, leaves, poses (batched),
// vitals, metadata and cross-node teleports.
type ActorStream struct {
	cfg       ActorStreamConfig
	localID   string
	sender    Sender
	authority AuthorityFunc
	applier   ActorApplier
	locator   Locator         // may be nil
	teleport  TeleportHandler // may be nil

	dedup *recencyCache // message ids
	echo  *recencyCache // actor ids

	batchMu sync.Mutex
	pending map[string]protocol.PoseUpdate // latest pose per actor
	order   []string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewActorStream builds the stream and registers its inbound handlers.
func NewActorStream(localID string, sender Sender, reg Registrar, authority AuthorityFunc, applier ActorApplier, cfg ActorStreamConfig) *ActorStream {
	cfg.applyDefaults()
	s := &ActorStream{
		cfg:       cfg,
		localID:   localID,
		sender:    sender,
		authority: authority,
		applier:   applier,
		dedup:     newRecencyCache(EventDedupWindow),
		echo:      newRecencyCache(EchoWindow),
		pending:   make(map[string]protocol.PoseUpdate),
		stopChan:  make(chan struct{}),
	}
	reg.RegisterHandler(s.handleInbound,
		protocol.TagActorJoin, protocol.TagActorLeave,
		protocol.TagPoseUpdate, protocol.TagPoseBatch,
		protocol.TagActorMeta, protocol.TagVitalsUpdate,
		protocol.TagTeleportRequest, protocol.TagTeleportAck)
	return s
}

// SetLocator attaches the bus side-channel for actor location publishing.
func (s *ActorStream) SetLocator(l Locator) { s.locator = l }

// SetTeleportHandler attaches the host's teleport admission decision.
func (s *ActorStream) SetTeleportHandler(h TeleportHandler) { s.teleport = h }

// Start launches the pose flush loop.
func (s *ActorStream) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop flushes once more and stops the loop.
func (s *ActorStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.flush()
	})
}

func (s *ActorStream) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// LocalPose queues a locally observed pose change. The latest pose per actor
// wins within one batch interval. A pose received from the network within
// the echo window is not re-broadcast.
func (s *ActorStream) LocalPose(p protocol.PoseUpdate) {
	if s.echo.Recent(p.ActorID) {
		return
	}
	s.batchMu.Lock()
	if _, queued := s.pending[p.ActorID]; !queued {
		s.order = append(s.order, p.ActorID)
	}
	s.pending[p.ActorID] = p
	full := len(s.pending) >= s.cfg.MaxBatch
	s.batchMu.Unlock()
	if full {
		s.flush()
	}
}

func (s *ActorStream) flush() {
	s.batchMu.Lock()
	if len(s.pending) == 0 {
		s.batchMu.Unlock()
		return
	}
	poses := make([]protocol.PoseUpdate, 0, len(s.pending))
	for _, id := range s.order {
		poses = append(poses, s.pending[id])
	}
	s.pending = make(map[string]protocol.PoseUpdate)
	s.order = nil
	s.batchMu.Unlock()

	var payload protocol.Payload
	if len(poses) == 1 {
		p := poses[0]
		payload = &p
	} else {
		payload = &protocol.PoseBatch{Poses: poses}
	}
	if err := s.sender.Broadcast(protocol.New(s.localID, payload)); err != nil {
		logrus.Warnf("replicate: pose flush: %v", err)
	}
}

// LocalJoin broadcasts a join and records the actor's location on the bus.
func (s *ActorStream) LocalJoin(j protocol.ActorJoin) {
	if err := s.sender.Broadcast(protocol.New(s.localID, &j)); err != nil {
		logrus.Warnf("replicate: actor join: %v", err)
	}
	if s.locator != nil {
		if err := s.locator.SetActorLocation(j.ActorID, s.localID, ActorLocationTTL); err != nil {
			logrus.Debugf("replicate: actor location: %v", err)
		}
	}
}

// LocalLeave broadcasts a leave.
func (s *ActorStream) LocalLeave(l protocol.ActorLeave) {
	if err := s.sender.Broadcast(protocol.New(s.localID, &l)); err != nil {
		logrus.Warnf("replicate: actor leave: %v", err)
	}
}

// LocalVitals broadcasts a vitals change.
func (s *ActorStream) LocalVitals(v protocol.VitalsUpdate) {
	if err := s.sender.Broadcast(protocol.New(s.localID, &v)); err != nil {
		logrus.Warnf("replicate: vitals: %v", err)
	}
}

// LocalMeta broadcasts actor metadata.
func (s *ActorStream) LocalMeta(m protocol.ActorMeta) {
	if err := s.sender.Broadcast(protocol.New(s.localID, &m)); err != nil {
		logrus.Warnf("replicate: actor meta: %v", err)
	}
}

// RequestTeleport asks another node to admit an actor.
func (s *ActorStream) RequestTeleport(req protocol.TeleportRequest) error {
	return s.sender.SendToNode(req.TargetNode, protocol.New(s.localID, &req))
}

func (s *ActorStream) handleInbound(m *protocol.Message) {
	if s.dedup.Seen(m.MessageID) {
		return
	}
	switch p := m.Payload.(type) {
	case *protocol.PoseUpdate:
		s.applyPose(m.SourceNode, *p)
	case *protocol.PoseBatch:
		for _, pose := range p.Poses {
			s.applyPose(m.SourceNode, pose)
		}
	case *protocol.ActorJoin:
		if s.isLocalActor(p.ActorID) {
			return
		}
		s.echo.Observe(p.ActorID)
		s.applier.ApplyJoin(m.SourceNode, *p)
	case *protocol.ActorLeave:
		if s.isLocalActor(p.ActorID) {
			return
		}
		s.applier.ApplyLeave(m.SourceNode, *p)
	case *protocol.ActorMeta:
		if s.isLocalActor(p.ActorID) {
			return
		}
		s.applier.ApplyMeta(m.SourceNode, *p)
	case *protocol.VitalsUpdate:
		if s.isLocalActor(p.ActorID) {
			return
		}
		s.applier.ApplyVitals(m.SourceNode, *p)
	case *protocol.TeleportRequest:
		if s.teleport == nil {
			return
		}
		ack := s.teleport(*p)
		if err := s.sender.SendToNode(m.SourceNode, protocol.New(s.localID, &ack)); err != nil {
			logrus.Warnf("replicate: teleport ack to %s: %v", m.SourceNode, err)
		}
	case *protocol.TeleportAck:
		logrus.Debugf("replicate: teleport ack for %s from %s: accepted=%v", p.ActorID, m.SourceNode, p.Accepted)
	}
}

// applyPose ignores poses for actors this node is authoritative for: they
// would represent stale foreign authority.
func (s *ActorStream) applyPose(sourceNode string, p protocol.PoseUpdate) {
	if s.isLocalActor(p.ActorID) {
		return
	}
	s.echo.Observe(p.ActorID)
	s.applier.ApplyPose(sourceNode, p)
}

func (s *ActorStream) isLocalActor(actorID string) bool {
	return s.authority != nil && s.authority(actorID)
}
