// Package bus implements the shared-medium transport on top of etcd: a
// broadcast topic every node watches, a private topic per node, and the
// lease-TTL side-channel used for node metadata and actor location lookups.
package bus

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Config holds the bus transport settings.
type Config struct {
	Endpoints   []string
	TopicPrefix string
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "/portalmesh"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 5 * time.Second
	}
}

// FrameHandler receives every frame delivered on a subscribed topic. The
// router must not care which topic (or transport) carried the frame.
type FrameHandler func(frame []byte)

// EtcdBus is the etcd-backed bus transport.
type EtcdBus struct {
	cfg     Config
	localID string
	cli     *clientv3.Client
	onFrame FrameHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New connects to etcd. The frame handler must be set before Start.
func New(cfg Config, localNodeID string) (*EtcdBus, error) {
	cfg.applyDefaults()
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: connect to etcd: %w", err)
	}
	return &EtcdBus{cfg: cfg, localID: localNodeID, cli: cli}, nil
}

// OnFrame registers the inbound callback. Called once at startup.
func (b *EtcdBus) OnFrame(h FrameHandler) { b.onFrame = h }

// Topic keys.

func (b *EtcdBus) broadcastTopic() string {
	return path.Join(b.cfg.TopicPrefix, "broadcast")
}

func (b *EtcdBus) nodeTopic(nodeID string) string {
	return path.Join(b.cfg.TopicPrefix, "node", nodeID)
}

func (b *EtcdBus) metaKey(nodeID string) string {
	return path.Join(b.cfg.TopicPrefix, "meta", nodeID)
}

func (b *EtcdBus) actorKey(actorID string) string {
	return path.Join(b.cfg.TopicPrefix, "actor", actorID)
}

// Start subscribes to the broadcast topic and this node's private topic.
func (b *EtcdBus) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	for _, topic := range []string{b.broadcastTopic(), b.nodeTopic(b.localID)} {
		b.wg.Add(1)
		go b.watchLoop(topic)
	}
	logrus.Infof("bus: subscribed to %s and %s", b.broadcastTopic(), b.nodeTopic(b.localID))
	return nil
}

// Stop unsubscribes and closes the etcd client.
func (b *EtcdBus) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		_ = b.cli.Close()
		logrus.Info("bus: transport stopped")
	})
}

func (b *EtcdBus) watchLoop(topic string) {
	defer b.wg.Done()
	wch := b.cli.Watch(b.ctx, topic)
	for resp := range wch {
		if err := resp.Err(); err != nil {
			logrus.Warnf("bus: watch %s: %v", topic, err)
			continue
		}
		for _, ev := range resp.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			if b.onFrame != nil {
				b.onFrame(ev.Kv.Value)
			}
		}
	}
}

func (b *EtcdBus) put(key string, value []byte, opts ...clientv3.OpOption) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.OpTimeout)
	defer cancel()
	if _, err := b.cli.Put(ctx, key, string(value), opts...); err != nil {
		return fmt.Errorf("bus: put %s: %w", key, err)
	}
	return nil
}

// Publish writes a frame to the broadcast topic.
func (b *EtcdBus) Publish(frame []byte) error {
	return b.put(b.broadcastTopic(), frame)
}

// PublishToNode writes a frame to one node's private topic.
func (b *EtcdBus) PublishToNode(nodeID string, frame []byte) error {
	return b.put(b.nodeTopic(nodeID), frame)
}

// PutNodeMeta stores node metadata under a lease so it expires if the node
// stops refreshing it (refreshed by the liveness heartbeat tick).
func (b *EtcdBus) PutNodeMeta(nodeID string, meta []byte, ttl time.Duration) error {
	return b.putWithLease(b.metaKey(nodeID), meta, ttl)
}

// GetNodeMeta reads another node's metadata, if still live.
func (b *EtcdBus) GetNodeMeta(nodeID string) ([]byte, bool, error) {
	return b.get(b.metaKey(nodeID))
}

// SetActorLocation records which node an actor was last seen on.
func (b *EtcdBus) SetActorLocation(actorID, nodeID string, ttl time.Duration) error {
	return b.putWithLease(b.actorKey(actorID), []byte(nodeID), ttl)
}

// GetActorLocation answers "which node last saw this actor".
func (b *EtcdBus) GetActorLocation(actorID string) (string, bool, error) {
	v, ok, err := b.get(b.actorKey(actorID))
	return string(v), ok, err
}

func (b *EtcdBus) putWithLease(key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.OpTimeout)
	defer cancel()
	lease, err := b.cli.Grant(ctx, int64(ttl/time.Second))
	if err != nil {
		return fmt.Errorf("bus: lease for %s: %w", key, err)
	}
	if _, err := b.cli.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("bus: put %s: %w", key, err)
	}
	return nil
}

func (b *EtcdBus) get(key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.OpTimeout)
	defer cancel()
	resp, err := b.cli.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("bus: get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}
