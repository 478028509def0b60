package identity

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NodeIdentity is the immutable identity of the local node. It is constructed
// once at startup and handed to every component that needs it; there is no
// process-wide lookup.
type NodeIdentity struct {
	id        string
	name      string
	region    string
	primary   bool
	advertise string
	version   string
}

// New builds a NodeIdentity. An empty id gets a random one.
func New(id, name, region, advertiseAddr, version string, primary bool) NodeIdentity {
	if id == "" {
		id = RandomNodeID()
	}
	return NodeIdentity{
		id:        id,
		name:      name,
		region:    region,
		primary:   primary,
		advertise: advertiseAddr,
		version:   version,
	}
}

// RandomNodeID returns a 16-hex-character node id.
func RandomNodeID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:8])
}

func (n NodeIdentity) ID() string            { return n.id }
func (n NodeIdentity) Name() string          { return n.name }
func (n NodeIdentity) Region() string        { return n.region }
func (n NodeIdentity) Primary() bool         { return n.primary }
func (n NodeIdentity) AdvertiseAddr() string { return n.advertise }
func (n NodeIdentity) Version() string       { return n.version }
