package stream

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

func startTransport(t *testing.T, id string, peers []string) (*Transport, chan []byte) {
	t.Helper()
	frames := make(chan []byte, 64)
	tr := New(Config{
		ListenAddr:     "127.0.0.1:0",
		Peers:          peers,
		RedialInterval: 100 * time.Millisecond,
	}, id)
	tr.OnFrame(func(b []byte) { frames <- b })
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	t.Cleanup(tr.Stop)
	return tr, frames
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeRawFrame(t *testing.T, c net.Conn, frame []byte) {
	t.Helper()
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))
	if _, err := c.Write(prefix[:]); err != nil {
		t.Fatalf("raw write: %v", err)
	}
	if _, err := c.Write(frame); err != nil {
		t.Fatalf("raw write: %v", err)
	}
}

func readRawFrame(c net.Conn) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(c, prefix[:]); err != nil {
		return nil, err
	}
	frame := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(c, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func TestHandshakeAndBidirectionalSend(t *testing.T) {
	b, bFrames := startTransport(t, "node-b", nil)
	a, aFrames := startTransport(t, "node-a", []string{b.Addr()})

	waitFor(t, "a sees b", func() bool { return a.SendToNode("node-b", []byte("ping-from-a")) })
	waitFor(t, "b sees a", func() bool { return len(b.ConnectedPeers()) == 1 })

	select {
	case got := <-bFrames:
		if string(got) != "ping-from-a" {
			t.Fatalf("b received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("b never received a's frame")
	}

	if !b.SendToNode("node-a", []byte("ping-from-b")) {
		t.Fatal("b could not send to a")
	}
	select {
	case got := <-aFrames:
		if string(got) != "ping-from-b" {
			t.Fatalf("a received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("a never received b's frame")
	}
}

func TestSendToUnknownNode(t *testing.T) {
	a, _ := startTransport(t, "node-a", nil)
	if a.SendToNode("nope", []byte("x")) {
		t.Fatal("send to unknown node reported success")
	}
}

func TestBroadcastReachCount(t *testing.T) {
	b, bFrames := startTransport(t, "node-b", nil)
	c, cFrames := startTransport(t, "node-c", nil)
	a, _ := startTransport(t, "node-a", []string{b.Addr(), c.Addr()})

	waitFor(t, "a connected to both", func() bool { return len(a.ConnectedPeers()) == 2 })

	if reached := a.Broadcast([]byte("fanout")); reached != 2 {
		t.Fatalf("broadcast reached %d peers, want 2", reached)
	}
	for name, ch := range map[string]chan []byte{"b": bFrames, "c": cFrames} {
		select {
		case got := <-ch:
			if string(got) != "fanout" {
				t.Fatalf("%s received %q", name, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never received broadcast", name)
		}
	}
}

func TestSecondHandshakeSupersedes(t *testing.T) {
	b, bFrames := startTransport(t, "node-b", nil)

	first, err := net.Dial("tcp", b.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	writeRawFrame(t, first, []byte(HandshakePrefix+"dup"))
	if _, err := readRawFrame(first); err != nil {
		t.Fatalf("first handshake reply: %v", err)
	}

	second, err := net.Dial("tcp", b.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	writeRawFrame(t, second, []byte(HandshakePrefix+"dup"))
	if _, err := readRawFrame(second); err != nil {
		t.Fatalf("second handshake reply: %v", err)
	}

	// The first connection must be closed by the supersede.
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := readRawFrame(first); err == nil {
		t.Fatal("superseded connection still open")
	}

	waitFor(t, "exactly one conn for dup", func() bool {
		peers := b.ConnectedPeers()
		return len(peers) == 1 && peers[0] == "dup"
	})

	// And the surviving connection still carries traffic.
	writeRawFrame(t, second, []byte("still-alive"))
	select {
	case got := <-bFrames:
		if string(got) != "still-alive" {
			t.Fatalf("received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame on surviving connection not delivered")
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	b, _ := startTransport(t, "node-b", nil)

	c, err := net.Dial("tcp", b.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	writeRawFrame(t, c, []byte(HandshakePrefix+"evil"))
	if _, err := readRawFrame(c); err != nil {
		t.Fatalf("handshake reply: %v", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 64<<20) // over the 16 MiB cap
	if _, err := c.Write(prefix[:]); err != nil {
		t.Fatal(err)
	}

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := readRawFrame(c); err == nil {
		t.Fatal("connection survived an oversized frame")
	}
	waitFor(t, "evil deregistered", func() bool { return len(b.ConnectedPeers()) == 0 })
}

func TestNonHandshakeFirstFrameRejected(t *testing.T) {
	b, _ := startTransport(t, "node-b", nil)

	c, err := net.Dial("tcp", b.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	writeRawFrame(t, c, []byte("not-a-handshake"))

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := readRawFrame(c); err == nil {
		t.Fatal("connection without handshake stayed open")
	}
	if len(b.ConnectedPeers()) != 0 {
		t.Fatal("unhandshaked connection was registered")
	}
}
