package replicate

import (
	"time"

	"portalmesh/internal/protocol"
)

// Sender is the slice of the router the streams need for outbound traffic.
type Sender interface {
	Broadcast(m *protocol.Message) error
	SendToNode(nodeID string, m *protocol.Message) error
}

// Registrar subscribes handlers to message tags. Satisfied by the router.
type Registrar interface {
	RegisterHandler(h func(m *protocol.Message), tags ...protocol.Tag)
}

// AuthorityFunc answers "is this actor / world key mine": updates about a
// locally-authoritative entity arriving from the network represent stale
// foreign authority and must be ignored.
type AuthorityFunc func(key string) bool

// Locator is the optional bus side-channel for actor location lookups.
type Locator interface {
	SetActorLocation(actorID, nodeID string, ttl time.Duration) error
	GetActorLocation(actorID string) (string, bool, error)
}

// Default stream windows.
const (
	// EchoWindow suppresses re-broadcast of a change received from the
	// network within the last window.
	EchoWindow = 100 * time.Millisecond
	// MutationDedupWindow dedups inbound mutations by semantic key.
	MutationDedupWindow = 100 * time.Millisecond
	// EventDedupWindow dedups inbound events and chat by message id.
	EventDedupWindow = 30 * time.Second
	// ActorLocationTTL bounds the bus-side actor -> node mapping.
	ActorLocationTTL = 5 * time.Minute
)
