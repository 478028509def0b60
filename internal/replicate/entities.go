package replicate

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"portalmesh/internal/protocol"
)

// EntityApplier is the host-side sink for remote non-actor entities.
type EntityApplier interface {
	ApplySpawn(sourceNode string, sp protocol.EntitySpawn)
	ApplyDespawn(sourceNode string, d protocol.EntityDespawn)
	ApplyMove(sourceNode string, mv protocol.EntityMove)
}

// EntityStreamConfig tunes the movement batch.
type EntityStreamConfig struct {
	FlushInterval time.Duration // default 50ms
	MaxBatch      int           // default 100
}

func (c *EntityStreamConfig) applyDefaults() {
	if c.FlushInterval == 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = 100
	}
}

// EntityStream replicates world entities: spawns, despawns and movement,
// with movement batched latest-wins per entity the same way poses are.
type EntityStream struct {
	cfg       EntityStreamConfig
	localID   string
	sender    Sender
	authority AuthorityFunc // entity ids
	applier   EntityApplier

	dedup *recencyCache // message ids
	echo  *recencyCache // entity ids

	batchMu sync.Mutex
	pending map[string]protocol.EntityMove // latest move per entity
	order   []string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEntityStream builds the stream and registers its inbound handlers.
func NewEntityStream(localID string, sender Sender, reg Registrar, authority AuthorityFunc, applier EntityApplier, cfg EntityStreamConfig) *EntityStream {
	cfg.applyDefaults()
	s := &EntityStream{
		cfg:       cfg,
		localID:   localID,
		sender:    sender,
		authority: authority,
		applier:   applier,
		dedup:     newRecencyCache(EventDedupWindow),
		echo:      newRecencyCache(EchoWindow),
		pending:   make(map[string]protocol.EntityMove),
		stopChan:  make(chan struct{}),
	}
	reg.RegisterHandler(s.handleInbound,
		protocol.TagEntitySpawn, protocol.TagEntityDespawn,
		protocol.TagEntityMove, protocol.TagEntityBatch)
	return s
}

// Start launches the movement flush loop.
func (s *EntityStream) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop flushes once more and stops the loop.
func (s *EntityStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.flush()
	})
}

func (s *EntityStream) flushLoop() {
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

// LocalSpawn broadcasts a locally spawned entity.
func (s *EntityStream) LocalSpawn(sp protocol.EntitySpawn) {
	if err := s.sender.Broadcast(protocol.New(s.localID, &sp)); err != nil {
		logrus.Warnf("replicate: entity spawn: %v", err)
	}
}

// LocalDespawn broadcasts a local despawn.
func (s *EntityStream) LocalDespawn(d protocol.EntityDespawn) {
	if err := s.sender.Broadcast(protocol.New(s.localID, &d)); err != nil {
		logrus.Warnf("replicate: entity despawn: %v", err)
	}
}

// LocalMove queues a locally observed movement. The latest move per entity
// wins within one batch interval; a move received from the network within
// the echo window is not re-broadcast.
func (s *EntityStream) LocalMove(mv protocol.EntityMove) {
	if s.echo.Recent(mv.EntityID) {
		return
	}
	s.batchMu.Lock()
	if _, queued := s.pending[mv.EntityID]; !queued {
		s.order = append(s.order, mv.EntityID)
	}
	s.pending[mv.EntityID] = mv
	full := len(s.pending) >= s.cfg.MaxBatch
	s.batchMu.Unlock()
	if full {
		s.flush()
	}
}

func (s *EntityStream) flush() {
	s.batchMu.Lock()
	if len(s.pending) == 0 {
		s.batchMu.Unlock()
		return
	}
	moves := make([]protocol.EntityMove, 0, len(s.pending))
	for _, id := range s.order {
		moves = append(moves, s.pending[id])
	}
	s.pending = make(map[string]protocol.EntityMove)
	s.order = nil
	s.batchMu.Unlock()

	var payload protocol.Payload
	if len(moves) == 1 {
		mv := moves[0]
		payload = &mv
	} else {
		payload = &protocol.EntityBatch{Moves: moves}
	}
	if err := s.sender.Broadcast(protocol.New(s.localID, payload)); err != nil {
		logrus.Warnf("replicate: entity flush: %v", err)
	}
}

func (s *EntityStream) handleInbound(m *protocol.Message) {
	if s.dedup.Seen(m.MessageID) {
		return
	}
	switch p := m.Payload.(type) {
	case *protocol.EntitySpawn:
		if s.isLocalEntity(p.EntityID) {
			return
		}
		s.echo.Observe(p.EntityID)
		s.applier.ApplySpawn(m.SourceNode, *p)
	case *protocol.EntityDespawn:
		if s.isLocalEntity(p.EntityID) {
			return
		}
		s.applier.ApplyDespawn(m.SourceNode, *p)
	case *protocol.EntityMove:
		s.applyMove(m.SourceNode, *p)
	case *protocol.EntityBatch:
		for _, mv := range p.Moves {
			s.applyMove(m.SourceNode, mv)
		}
	}
}

// applyMove ignores moves for entities this node is authoritative for.
func (s *EntityStream) applyMove(sourceNode string, mv protocol.EntityMove) {
	if s.isLocalEntity(mv.EntityID) {
		return
	}
	s.echo.Observe(mv.EntityID)
	s.applier.ApplyMove(sourceNode, mv)
}

func (s *EntityStream) isLocalEntity(entityID string) bool {
	return s.authority != nil && s.authority(entityID)
}
