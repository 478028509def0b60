package protocol

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tag is the stable on-wire type tag of a message variant. The tag space is
// reserved by family so each family can grow without renumbering:
//
//	0-9    node liveness
//	10-29  actor / presence
//	30-49  world entity
//	50-69  world block
//	70-79  chat
//	80-99  event
type Tag uint8

const (
	TagAnnounce  Tag = 0
	TagHeartbeat Tag = 1
	TagPing      Tag = 2
	TagPong      Tag = 3
	TagGoodbye   Tag = 4

	TagActorJoin       Tag = 10
	TagActorLeave      Tag = 11
	TagPoseUpdate      Tag = 12
	TagPoseBatch       Tag = 13
	TagActorMeta       Tag = 14
	TagVitalsUpdate    Tag = 15
	TagTeleportRequest Tag = 16
	TagTeleportAck     Tag = 17

	TagEntitySpawn   Tag = 30
	TagEntityDespawn Tag = 31
	TagEntityMove    Tag = 32
	TagEntityBatch   Tag = 33

	TagBlockSet      Tag = 50
	TagBlockBatch    Tag = 51
	TagRegionRequest Tag = 52
	TagRegionSync    Tag = 53
	TagWeatherUpdate Tag = 54
	TagTimeSync      Tag = 55

	TagChat         Tag = 70
	TagPrivateChat  Tag = 71
	TagSystemNotice Tag = 72

	TagEvent      Tag = 80
	TagEventBatch Tag = 81

	// TagCompound carries a batch of already-encoded frames produced by the
	// router's flush loop. Receivers unpack and dispatch each inner frame.
	TagCompound Tag = 99
)

// Payload is one variant of the closed message union.
type Payload interface {
	Tag() Tag
}

// Message is the unit every transport carries. Immutable once built.
type Message struct {
	SourceNode string
	Timestamp  int64 // wall clock, milliseconds
	MessageID  string
	Payload    Payload
}

// New stamps a payload with the source node, the current time and a fresh
// message id.
func New(sourceNode string, p Payload) *Message {
	return &Message{
		SourceNode: sourceNode,
		Timestamp:  time.Now().UnixMilli(),
		MessageID:  NewMessageID(),
		Payload:    p,
	}
}

// NewMessageID returns a 16-hex-character token used for dedup and ping/pong
// correlation.
func NewMessageID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:8])
}

// --- liveness family ---

// Announce introduces a node to the cluster and refreshes its record.
type Announce struct {
	Name     string  `cbor:"n" json:"name"`
	Region   string  `cbor:"r" json:"region"`
	Primary  bool    `cbor:"p" json:"primary"`
	Addr     string  `cbor:"a" json:"addr"` // streaming transport host:port
	Players  int     `cbor:"pl" json:"players"`
	Capacity int     `cbor:"c" json:"capacity"`
	Version  string  `cbor:"v" json:"version"`
	TPS      float64 `cbor:"tps" json:"tps"`
}

// Heartbeat refreshes the mutable health fields of a node record.
type Heartbeat struct {
	Players  int     `cbor:"pl" json:"players"`
	Capacity int     `cbor:"c" json:"capacity"`
	TPS      float64 `cbor:"tps" json:"tps"`
	Uptime   int64   `cbor:"up" json:"uptime"` // seconds
}

// Ping is answered only by the node whose id equals Target.
type Ping struct {
	Target string `cbor:"tg" json:"target"`
}

// Pong correlates back to the ping via the ping's message id.
type Pong struct {
	Target        string `cbor:"tg" json:"target"` // the original pinger
	PingID        string `cbor:"pid" json:"pingId"`
	PingTimestamp int64  `cbor:"pts" json:"pingTimestamp"`
}

// Goodbye lets peers evict a departing node without waiting for staleness.
type Goodbye struct {
	Reason string `cbor:"rs" json:"reason"`
}

// --- actor / presence family ---

type ActorJoin struct {
	ActorID string  `cbor:"id" json:"actorId"`
	Name    string  `cbor:"n" json:"name"`
	World   string  `cbor:"w" json:"world"`
	X       float64 `cbor:"x" json:"x"`
	Y       float64 `cbor:"y" json:"y"`
	Z       float64 `cbor:"z" json:"z"`
}

type ActorLeave struct {
	ActorID string `cbor:"id" json:"actorId"`
}

type PoseUpdate struct {
	ActorID string  `cbor:"id" json:"actorId"`
	World   string  `cbor:"w" json:"world"`
	X       float64 `cbor:"x" json:"x"`
	Y       float64 `cbor:"y" json:"y"`
	Z       float64 `cbor:"z" json:"z"`
	Yaw     float32 `cbor:"yw" json:"yaw"`
	Pitch   float32 `cbor:"pt" json:"pitch"`
}

type PoseBatch struct {
	Poses []PoseUpdate `cbor:"ps" json:"poses"`
}

type ActorMeta struct {
	ActorID string            `cbor:"id" json:"actorId"`
	Name    string            `cbor:"n" json:"name"`
	Skin    string            `cbor:"sk" json:"skin,omitempty"`
	Attrs   map[string]string `cbor:"at" json:"attrs,omitempty"`
}

type VitalsUpdate struct {
	ActorID string  `cbor:"id" json:"actorId"`
	Health  float64 `cbor:"h" json:"health"`
	Food    float64 `cbor:"f" json:"food"`
	Air     float64 `cbor:"air" json:"air"`
}

type TeleportRequest struct {
	ActorID    string  `cbor:"id" json:"actorId"`
	TargetNode string  `cbor:"tn" json:"targetNode"`
	World      string  `cbor:"w" json:"world"`
	X          float64 `cbor:"x" json:"x"`
	Y          float64 `cbor:"y" json:"y"`
	Z          float64 `cbor:"z" json:"z"`
}

type TeleportAck struct {
	ActorID  string `cbor:"id" json:"actorId"`
	Accepted bool   `cbor:"ok" json:"accepted"`
	Reason   string `cbor:"rs" json:"reason,omitempty"`
}

// --- world entity family ---

type EntitySpawn struct {
	EntityID string  `cbor:"id" json:"entityId"`
	Kind     string  `cbor:"k" json:"kind"`
	World    string  `cbor:"w" json:"world"`
	X        float64 `cbor:"x" json:"x"`
	Y        float64 `cbor:"y" json:"y"`
	Z        float64 `cbor:"z" json:"z"`
}

type EntityDespawn struct {
	EntityID string `cbor:"id" json:"entityId"`
}

type EntityMove struct {
	EntityID string  `cbor:"id" json:"entityId"`
	World    string  `cbor:"w" json:"world"`
	X        float64 `cbor:"x" json:"x"`
	Y        float64 `cbor:"y" json:"y"`
	Z        float64 `cbor:"z" json:"z"`
	Yaw      float32 `cbor:"yw" json:"yaw"`
	Pitch    float32 `cbor:"pt" json:"pitch"`
}

type EntityBatch struct {
	Moves []EntityMove `cbor:"mv" json:"moves"`
}

// --- world block family ---

type BlockSet struct {
	World string `cbor:"w" json:"world"`
	X     int32  `cbor:"x" json:"x"`
	Y     int32  `cbor:"y" json:"y"`
	Z     int32  `cbor:"z" json:"z"`
	Block string `cbor:"b" json:"block"`
}

type BlockBatch struct {
	Blocks []BlockSet `cbor:"bs" json:"blocks"`
}

type RegionRequest struct {
	World  string `cbor:"w" json:"world"`
	ChunkX int32  `cbor:"cx" json:"chunkX"`
	ChunkZ int32  `cbor:"cz" json:"chunkZ"`
}

type RegionSync struct {
	World  string     `cbor:"w" json:"world"`
	ChunkX int32      `cbor:"cx" json:"chunkX"`
	ChunkZ int32      `cbor:"cz" json:"chunkZ"`
	Blocks []BlockSet `cbor:"bs" json:"blocks"`
}

type WeatherUpdate struct {
	World    string `cbor:"w" json:"world"`
	Storm    bool   `cbor:"st" json:"storm"`
	Thunder  bool   `cbor:"th" json:"thunder"`
	Duration int32  `cbor:"d" json:"duration"` // ticks
}

type TimeSync struct {
	World string `cbor:"w" json:"world"`
	Time  int64  `cbor:"t" json:"time"`
}

// --- chat family ---

type Chat struct {
	Sender string `cbor:"s" json:"sender"` // actor id
	Name   string `cbor:"n" json:"name"`
	Text   string `cbor:"tx" json:"text"`
}

type PrivateChat struct {
	From string `cbor:"f" json:"from"`
	To   string `cbor:"to" json:"to"` // actor id
	Text string `cbor:"tx" json:"text"`
}

type SystemNotice struct {
	Text     string `cbor:"tx" json:"text"`
	Severity string `cbor:"sv" json:"severity"`
}

// --- event family ---

type Event struct {
	Name string            `cbor:"n" json:"name"`
	Data map[string]string `cbor:"d" json:"data,omitempty"`
}

type EventBatch struct {
	Events []Event `cbor:"ev" json:"events"`
}

// --- router batch envelope ---

type Compound struct {
	Frames [][]byte `cbor:"fr" json:"frames"`
}

func (Announce) Tag() Tag        { return TagAnnounce }
func (Heartbeat) Tag() Tag       { return TagHeartbeat }
func (Ping) Tag() Tag            { return TagPing }
func (Pong) Tag() Tag            { return TagPong }
func (Goodbye) Tag() Tag         { return TagGoodbye }
func (ActorJoin) Tag() Tag       { return TagActorJoin }
func (ActorLeave) Tag() Tag      { return TagActorLeave }
func (PoseUpdate) Tag() Tag      { return TagPoseUpdate }
func (PoseBatch) Tag() Tag       { return TagPoseBatch }
func (ActorMeta) Tag() Tag       { return TagActorMeta }
func (VitalsUpdate) Tag() Tag    { return TagVitalsUpdate }
func (TeleportRequest) Tag() Tag { return TagTeleportRequest }
func (TeleportAck) Tag() Tag     { return TagTeleportAck }
func (EntitySpawn) Tag() Tag     { return TagEntitySpawn }
func (EntityDespawn) Tag() Tag   { return TagEntityDespawn }
func (EntityMove) Tag() Tag      { return TagEntityMove }
func (EntityBatch) Tag() Tag     { return TagEntityBatch }
func (BlockSet) Tag() Tag        { return TagBlockSet }
func (BlockBatch) Tag() Tag      { return TagBlockBatch }
func (RegionRequest) Tag() Tag   { return TagRegionRequest }
func (RegionSync) Tag() Tag      { return TagRegionSync }
func (WeatherUpdate) Tag() Tag   { return TagWeatherUpdate }
func (TimeSync) Tag() Tag        { return TagTimeSync }
func (Chat) Tag() Tag            { return TagChat }
func (PrivateChat) Tag() Tag     { return TagPrivateChat }
func (SystemNotice) Tag() Tag    { return TagSystemNotice }
func (Event) Tag() Tag           { return TagEvent }
func (EventBatch) Tag() Tag      { return TagEventBatch }
func (Compound) Tag() Tag        { return TagCompound }

// Key is the semantic dedup/echo key of a block mutation: one world
// coordinate maps to one key regardless of which message carried it.
func (b BlockSet) Key() string {
	return fmt.Sprintf("%s:%d:%d:%d", b.World, b.X, b.Y, b.Z)
}
