package replicate

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"portalmesh/internal/protocol"
)

// WorldApplier is the host-side sink for remote world mutations.
type WorldApplier interface {
	ApplyBlock(sourceNode string, b protocol.BlockSet)
	ApplyWeather(sourceNode string, w protocol.WeatherUpdate)
	ApplyTime(sourceNode string, t protocol.TimeSync)
}

// RegionProvider answers region sync requests from joining peers. Optional.
type RegionProvider func(world string, chunkX, chunkZ int32) []protocol.BlockSet

// BlockStreamConfig tunes the mutation batch.
type BlockStreamConfig struct {
	FlushInterval time.Duration // default 50ms
	MaxBatch      int           // default 200
}

func (c *BlockStreamConfig) applyDefaults() {
	if c.FlushInterval == 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = 200
	}
}

// BlockStream replicates world mutations keyed by world coordinate, with
// echo suppression so a node never re-broadcasts a change it just applied
// from the network.
type BlockStream struct {
	cfg       BlockStreamConfig
	localID   string
	sender    Sender
	authority AuthorityFunc // keyed by world coordinate
	applier   WorldApplier
	region    RegionProvider // may be nil

	dedupID  *recencyCache // message ids
	dedupKey *recencyCache // world coordinates, short window
	echo     *recencyCache // world coordinates

	batchMu sync.Mutex
	pending map[string]protocol.BlockSet // latest mutation per coordinate
	order   []string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBlockStream builds the stream and registers its inbound handlers.
func NewBlockStream(localID string, sender Sender, reg Registrar, authority AuthorityFunc, applier WorldApplier, cfg BlockStreamConfig) *BlockStream {
	cfg.applyDefaults()
	s := &BlockStream{
		cfg:       cfg,
		localID:   localID,
		sender:    sender,
		authority: authority,
		applier:   applier,
		dedupID:   newRecencyCache(EventDedupWindow),
		dedupKey:  newRecencyCache(MutationDedupWindow),
		echo:      newRecencyCache(EchoWindow),
		pending:   make(map[string]protocol.BlockSet),
		stopChan:  make(chan struct{}),
	}
	reg.RegisterHandler(s.handleInbound,
		protocol.TagBlockSet, protocol.TagBlockBatch,
		protocol.TagRegionRequest, protocol.TagRegionSync,
		protocol.TagWeatherUpdate, protocol.TagTimeSync)
	return s
}

// SetRegionProvider attaches the host callback that serves region requests.
func (s *BlockStream) SetRegionProvider(p RegionProvider) { s.region = p }

// Start launches the flush loop.
func (s *BlockStream) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop flushes once more and stops the loop.
func (s *BlockStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.flush()
	})
}

func (s *BlockStream) flushLoop() {
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

// LocalBlockChanged queues a locally observed mutation unless the same
// coordinate was just received from the network (echo suppression).
func (s *BlockStream) LocalBlockChanged(b protocol.BlockSet) {
	key := b.Key()
	if s.echo.Recent(key) {
		return
	}
	s.batchMu.Lock()
	if _, queued := s.pending[key]; !queued {
		s.order = append(s.order, key)
	}
	s.pending[key] = b
	full := len(s.pending) >= s.cfg.MaxBatch
	s.batchMu.Unlock()
	if full {
		s.flush()
	}
}

// LocalWeather broadcasts a weather change immediately.
func (s *BlockStream) LocalWeather(w protocol.WeatherUpdate) {
	if err := s.sender.Broadcast(protocol.New(s.localID, &w)); err != nil {
		logrus.Warnf("replicate: weather: %v", err)
	}
}

// LocalTime broadcasts a world time change immediately.
func (s *BlockStream) LocalTime(t protocol.TimeSync) {
	if err := s.sender.Broadcast(protocol.New(s.localID, &t)); err != nil {
		logrus.Warnf("replicate: time sync: %v", err)
	}
}

// RequestRegion asks a specific node for a chunk's current blocks.
func (s *BlockStream) RequestRegion(nodeID, world string, chunkX, chunkZ int32) error {
	return s.sender.SendToNode(nodeID, protocol.New(s.localID, &protocol.RegionRequest{
		World: world, ChunkX: chunkX, ChunkZ: chunkZ,
	}))
}

func (s *BlockStream) flush() {
	s.batchMu.Lock()
	if len(s.pending) == 0 {
		s.batchMu.Unlock()
		return
	}
	blocks := make([]protocol.BlockSet, 0, len(s.pending))
	for _, key := range s.order {
		blocks = append(blocks, s.pending[key])
	}
	s.pending = make(map[string]protocol.BlockSet)
	s.order = nil
	s.batchMu.Unlock()

	var payload protocol.Payload
	if len(blocks) == 1 {
		b := blocks[0]
		payload = &b
	} else {
		payload = &protocol.BlockBatch{Blocks: blocks}
	}
	if err := s.sender.Broadcast(protocol.New(s.localID, payload)); err != nil {
		logrus.Warnf("replicate: block flush: %v", err)
	}
}

func (s *BlockStream) handleInbound(m *protocol.Message) {
	if s.dedupID.Seen(m.MessageID) {
		return
	}
	switch p := m.Payload.(type) {
	case *protocol.BlockSet:
		s.applyBlock(m.SourceNode, *p)
	case *protocol.BlockBatch:
		for _, b := range p.Blocks {
			s.applyBlock(m.SourceNode, b)
		}
	case *protocol.RegionSync:
		for _, b := range p.Blocks {
			s.applyBlock(m.SourceNode, b)
		}
	case *protocol.RegionRequest:
		if s.region == nil {
			return
		}
		blocks := s.region(p.World, p.ChunkX, p.ChunkZ)
		sync := protocol.New(s.localID, &protocol.RegionSync{
			World: p.World, ChunkX: p.ChunkX, ChunkZ: p.ChunkZ, Blocks: blocks,
		})
		if err := s.sender.SendToNode(m.SourceNode, sync); err != nil {
			logrus.Warnf("replicate: region sync to %s: %v", m.SourceNode, err)
		}
	case *protocol.WeatherUpdate:
		s.applier.ApplyWeather(m.SourceNode, *p)
	case *protocol.TimeSync:
		s.applier.ApplyTime(m.SourceNode, *p)
	}
}

// applyBlock dedups by coordinate, skips locally-authoritative keys, and
// marks the coordinate so the host's resulting change event is not echoed
// back to the cluster.
func (s *BlockStream) applyBlock(sourceNode string, b protocol.BlockSet) {
	key := b.Key()
	if s.dedupKey.Seen(key) {
		return
	}
	if s.authority != nil && s.authority(key) {
		return
	}
	s.echo.Observe(key)
	s.applier.ApplyBlock(sourceNode, b)
}
