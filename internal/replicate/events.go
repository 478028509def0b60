package replicate

import (
	"github.com/sirupsen/logrus"

	"portalmesh/internal/protocol"
)

// EventApplier is the host-side sink for remote chat and events.
type EventApplier interface {
	ApplyEvent(sourceNode string, e protocol.Event)
	ApplyChat(sourceNode string, c protocol.Chat)
	ApplyPrivateChat(sourceNode string, pc protocol.PrivateChat)
	ApplyNotice(sourceNode string, n protocol.SystemNotice)
}

// EventStream replicates chat and generic events. Low-frequency, so messages
// go out immediately; the discipline here is inbound dedup by message id,
// which also absorbs the dual-transport redundant delivery.
type EventStream struct {
	localID   string
	sender    Sender
	applier   EventApplier
	authority AuthorityFunc // actor ids, for private chat targeting
	locator   Locator       // may be nil

	dedup *recencyCache
}

// NewEventStream builds the stream and registers its inbound handlers.
func NewEventStream(localID string, sender Sender, reg Registrar, authority AuthorityFunc, applier EventApplier) *EventStream {
	s := &EventStream{
		localID:   localID,
		sender:    sender,
		applier:   applier,
		authority: authority,
		dedup:     newRecencyCache(EventDedupWindow),
	}
	reg.RegisterHandler(s.handleInbound,
		protocol.TagEvent, protocol.TagEventBatch,
		protocol.TagChat, protocol.TagPrivateChat, protocol.TagSystemNotice)
	return s
}

// SetLocator attaches the bus side-channel for private chat routing.
func (s *EventStream) SetLocator(l Locator) { s.locator = l }

// EmitEvent broadcasts a local event to the cluster.
func (s *EventStream) EmitEvent(e protocol.Event) {
	if err := s.sender.Broadcast(protocol.New(s.localID, &e)); err != nil {
		logrus.Warnf("replicate: event %s: %v", e.Name, err)
	}
}

// EmitChat broadcasts a local chat line.
func (s *EventStream) EmitChat(c protocol.Chat) {
	if err := s.sender.Broadcast(protocol.New(s.localID, &c)); err != nil {
		logrus.Warnf("replicate: chat: %v", err)
	}
}

// EmitNotice broadcasts a system notice.
func (s *EventStream) EmitNotice(n protocol.SystemNotice) {
	if err := s.sender.Broadcast(protocol.New(s.localID, &n)); err != nil {
		logrus.Warnf("replicate: notice: %v", err)
	}
}

// SendPrivate routes a private chat to the node that owns the target actor,
// looked up on the bus side channel, falling back to a broadcast every node
// filters by authority.
func (s *EventStream) SendPrivate(pc protocol.PrivateChat) {
	msg := protocol.New(s.localID, &pc)
	if s.locator != nil {
		if nodeID, ok, err := s.locator.GetActorLocation(pc.To); err == nil && ok {
			if err := s.sender.SendToNode(nodeID, msg); err == nil {
				return
			}
		}
	}
	if err := s.sender.Broadcast(msg); err != nil {
		logrus.Warnf("replicate: private chat: %v", err)
	}
}

func (s *EventStream) handleInbound(m *protocol.Message) {
	if s.dedup.Seen(m.MessageID) {
		return
	}
	switch p := m.Payload.(type) {
	case *protocol.Event:
		s.applier.ApplyEvent(m.SourceNode, *p)
	case *protocol.EventBatch:
		for _, e := range p.Events {
			s.applier.ApplyEvent(m.SourceNode, e)
		}
	case *protocol.Chat:
		s.applier.ApplyChat(m.SourceNode, *p)
	case *protocol.PrivateChat:
		// Deliver only on the node that actually hosts the target actor.
		if s.authority != nil && !s.authority(p.To) {
			return
		}
		s.applier.ApplyPrivateChat(m.SourceNode, *p)
	case *protocol.SystemNotice:
		s.applier.ApplyNotice(m.SourceNode, *p)
	}
}
