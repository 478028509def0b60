package protocol

// The tag->variant table drives the single generic decode path. The union is
// closed: decoding a tag that is not registered is a hard ProtocolError, not
// a skip.

var registry = map[Tag]func() Payload{
	TagAnnounce:        func() Payload { return new(Announce) },
	TagHeartbeat:       func() Payload { return new(Heartbeat) },
	TagPing:            func() Payload { return new(Ping) },
	TagPong:            func() Payload { return new(Pong) },
	TagGoodbye:         func() Payload { return new(Goodbye) },
	TagActorJoin:       func() Payload { return new(ActorJoin) },
	TagActorLeave:      func() Payload { return new(ActorLeave) },
	TagPoseUpdate:      func() Payload { return new(PoseUpdate) },
	TagPoseBatch:       func() Payload { return new(PoseBatch) },
	TagActorMeta:       func() Payload { return new(ActorMeta) },
	TagVitalsUpdate:    func() Payload { return new(VitalsUpdate) },
	TagTeleportRequest: func() Payload { return new(TeleportRequest) },
	TagTeleportAck:     func() Payload { return new(TeleportAck) },
	TagEntitySpawn:     func() Payload { return new(EntitySpawn) },
	TagEntityDespawn:   func() Payload { return new(EntityDespawn) },
	TagEntityMove:      func() Payload { return new(EntityMove) },
	TagEntityBatch:     func() Payload { return new(EntityBatch) },
	TagBlockSet:        func() Payload { return new(BlockSet) },
	TagBlockBatch:      func() Payload { return new(BlockBatch) },
	TagRegionRequest:   func() Payload { return new(RegionRequest) },
	TagRegionSync:      func() Payload { return new(RegionSync) },
	TagWeatherUpdate:   func() Payload { return new(WeatherUpdate) },
	TagTimeSync:        func() Payload { return new(TimeSync) },
	TagChat:            func() Payload { return new(Chat) },
	TagPrivateChat:     func() Payload { return new(PrivateChat) },
	TagSystemNotice:    func() Payload { return new(SystemNotice) },
	TagEvent:           func() Payload { return new(Event) },
	TagEventBatch:      func() Payload { return new(EventBatch) },
	TagCompound:        func() Payload { return new(Compound) },
}

// NewPayload returns an empty payload for a wire tag.
func NewPayload(tag Tag) (Payload, error) {
	factory, ok := registry[tag]
	if !ok {
		return nil, protoErrf("unknown type tag %d", tag)
	}
	return factory(), nil
}

// KnownTags lists every registered tag. Used by tests and status reporting.
func KnownTags() []Tag {
	tags := make([]Tag, 0, len(registry))
	for t := range registry {
		tags = append(tags, t)
	}
	return tags
}
