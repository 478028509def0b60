package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func samplePayloads() []Payload {
	return []Payload{
		&Announce{Name: "hub-1", Region: "eu", Primary: true, Addr: "10.0.0.1:25600", Players: 17, Capacity: 200, Version: "1.4.2", TPS: 19.8},
		&Heartbeat{Players: 12, Capacity: 200, TPS: 20, Uptime: 3600},
		&Ping{Target: "node-b"},
		&Pong{Target: "node-a", PingID: "deadbeefdeadbeef", PingTimestamp: 1700000000000},
		&Goodbye{Reason: "restart"},
		&ActorJoin{ActorID: "a1", Name: "steve", World: "overworld", X: 1, Y: 64, Z: -3},
		&ActorLeave{ActorID: "a1"},
		&PoseUpdate{ActorID: "a1", World: "overworld", X: 1.5, Y: 64, Z: -3.25, Yaw: 90, Pitch: -10},
		&PoseBatch{Poses: []PoseUpdate{{ActorID: "a1", World: "overworld", X: 1}, {ActorID: "a2", World: "nether", Z: 8}}},
		&ActorMeta{ActorID: "a1", Name: "steve", Skin: "classic", Attrs: map[string]string{"team": "red"}},
		&VitalsUpdate{ActorID: "a1", Health: 18.5, Food: 20, Air: 300},
		&TeleportRequest{ActorID: "a1", TargetNode: "node-b", World: "overworld", X: 100, Y: 70, Z: 100},
		&TeleportAck{ActorID: "a1", Accepted: false, Reason: "full"},
		&EntitySpawn{EntityID: "e9", Kind: "zombie", World: "overworld", X: 4, Y: 64, Z: 4},
		&EntityDespawn{EntityID: "e9"},
		&EntityMove{EntityID: "e9", World: "overworld", X: 5, Y: 64, Z: 4, Yaw: 180},
		&EntityBatch{Moves: []EntityMove{{EntityID: "e9", World: "overworld", X: 5}}},
		&BlockSet{World: "overworld", X: 10, Y: 60, Z: -5, Block: "stone"},
		&BlockBatch{Blocks: []BlockSet{{World: "overworld", X: 10, Y: 60, Z: -5, Block: "air"}}},
		&RegionRequest{World: "overworld", ChunkX: 3, ChunkZ: -2},
		&RegionSync{World: "overworld", ChunkX: 3, ChunkZ: -2, Blocks: []BlockSet{{World: "overworld", X: 48, Y: 64, Z: -32, Block: "dirt"}}},
		&WeatherUpdate{World: "overworld", Storm: true, Duration: 1200},
		&TimeSync{World: "overworld", Time: 18000},
		&Chat{Sender: "a1", Name: "steve", Text: "hello"},
		&PrivateChat{From: "a1", To: "a2", Text: "psst"},
		&SystemNotice{Text: "maintenance in 5m", Severity: "warn"},
		&Event{Name: "portal.enter", Data: map[string]string{"actor": "a1"}},
		&EventBatch{Events: []Event{{Name: "portal.enter"}, {Name: "portal.exit"}}},
		&Compound{Frames: [][]byte{{0x02, 0x02, 0x01}, {0x02, 0x03}}},
	}
}

func TestRoundTripAllVariants(t *testing.T) {
	for _, binaryMode := range []bool{true, false} {
		for _, threshold := range []int{0, 1} {
			for _, p := range samplePayloads() {
				in := New("node-a", p)
				frame, err := Encode(in, binaryMode, threshold)
				if err != nil {
					t.Fatalf("encode tag %d (binary=%v threshold=%d): %v", p.Tag(), binaryMode, threshold, err)
				}
				out, err := Decode(frame)
				if err != nil {
					t.Fatalf("decode tag %d (binary=%v threshold=%d): %v", p.Tag(), binaryMode, threshold, err)
				}
				if !reflect.DeepEqual(in, out) {
					t.Errorf("tag %d (binary=%v threshold=%d): round trip mismatch\n in: %+v\nout: %+v", p.Tag(), binaryMode, threshold, in, out)
				}
			}
		}
	}
}

func TestRegistryCoversAllSamples(t *testing.T) {
	known := make(map[Tag]bool)
	for _, tag := range KnownTags() {
		known[tag] = true
	}
	for _, p := range samplePayloads() {
		if !known[p.Tag()] {
			t.Errorf("tag %d not registered", p.Tag())
		}
	}
	if len(known) != len(samplePayloads()) {
		t.Errorf("registry has %d tags, samples cover %d", len(known), len(samplePayloads()))
	}
}

func TestUnknownTagFails(t *testing.T) {
	for _, tag := range []byte{5, 29, 49, 69, 79, 98, 255} {
		frame := []byte{0x02, tag, 0xa0}
		_, err := Decode(frame)
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Errorf("tag %d: want ProtocolError, got %v", tag, err)
		}
	}
}

func TestTruncatedFrames(t *testing.T) {
	cases := map[string][]byte{
		"empty":              {},
		"header only 1 byte": {0x02},
		"compressed no len":  {0x03, 0x02, 0x00},
	}
	for name, frame := range cases {
		_, err := Decode(frame)
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Errorf("%s: want ProtocolError, got %v", name, err)
		}
	}
}

func TestCompressionThreshold(t *testing.T) {
	small := New("node-a", &Chat{Sender: "a1", Text: "hi"})
	frame, err := Encode(small, true, 256)
	if err != nil {
		t.Fatal(err)
	}
	if Compressed(frame) {
		t.Error("small payload should not be compressed below threshold")
	}

	big := New("node-a", &Chat{Sender: "a1", Text: strings.Repeat("x", 10*1024)})
	frame, err = Encode(big, true, 256)
	if err != nil {
		t.Fatal(err)
	}
	if !Compressed(frame) {
		t.Error("10 KiB payload above threshold should be compressed")
	}
	out, err := Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(big, out) {
		t.Error("compressed round trip mismatch")
	}
}

func TestDeclaredLengthIsBounded(t *testing.T) {
	// A forged header declaring a giant original length must fail before
	// any decompression work is attempted.
	frame := make([]byte, headerLen+4+8)
	frame[0] = flagCompressed | flagBinary
	frame[1] = byte(TagChat)
	binary.BigEndian.PutUint32(frame[headerLen:], MaxFrameSize+1)
	_, err := Decode(frame)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("want ProtocolError for oversized declared length, got %v", err)
	}
}

func TestDeclaredLengthMustMatch(t *testing.T) {
	msg := New("node-a", &Chat{Sender: "a1", Text: strings.Repeat("y", 4096)})
	frame, err := Encode(msg, true, 16)
	if err != nil {
		t.Fatal(err)
	}
	if !Compressed(frame) {
		t.Fatal("expected compressed frame")
	}
	// Lie about the original length: decode must reject, not truncate.
	forged := bytes.Clone(frame)
	binary.BigEndian.PutUint32(forged[headerLen:], 10)
	_, err = Decode(forged)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("want ProtocolError for mismatched declared length, got %v", err)
	}
}

func TestMessageIDShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMessageID()
		if len(id) != 16 {
			t.Fatalf("message id %q is not 16 hex chars", id)
		}
		if seen[id] {
			t.Fatalf("duplicate message id %q", id)
		}
		seen[id] = true
	}
}
