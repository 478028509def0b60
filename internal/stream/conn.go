package stream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"portalmesh/internal/protocol"
)

// HandshakePrefix is the sentinel that opens the first frame on every
// streaming connection, immediately followed by the sender's node id.
const HandshakePrefix = "PORTAL-HELLO:"

type connState int32

const (
	stateConnecting connState = iota
	stateAwaitingHandshake
	stateEstablished
	stateClosed
)

// conn is one peer link. Pre-handshake it is keyed by connection identity
// only; post-handshake by the peer's declared node id.
type conn struct {
	t       *Transport
	c       net.Conn
	inbound bool

	state  atomic.Int32
	nodeID atomic.Value // string, set on handshake

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(t *Transport, c net.Conn, inbound bool) *conn {
	pc := &conn{t: t, c: c, inbound: inbound}
	pc.state.Store(int32(stateConnecting))
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return pc
}

func (pc *conn) peerID() string {
	if v := pc.nodeID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (pc *conn) established() bool {
	return connState(pc.state.Load()) == stateEstablished
}

// writeFrame writes one length-prefixed frame. Safe for concurrent callers.
func (pc *conn) writeFrame(frame []byte) error {
	if len(frame) > int(pc.t.cfg.MaxFrameSize) {
		return &protocol.TransportError{Transport: "stream", Node: pc.peerID(),
			Err: fmt.Errorf("frame of %d bytes exceeds max frame size", len(frame))}
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	_ = pc.c.SetWriteDeadline(time.Now().Add(pc.t.cfg.WriteTimeout))
	if _, err := pc.c.Write(prefix[:]); err != nil {
		return &protocol.TransportError{Transport: "stream", Node: pc.peerID(), Err: err}
	}
	if _, err := pc.c.Write(frame); err != nil {
		return &protocol.TransportError{Transport: "stream", Node: pc.peerID(), Err: err}
	}
	return nil
}

// readLoop drives the connection state machine: the first frame must be a
// handshake, everything after is an opaque message frame for the inbound
// callback.
func (pc *conn) readLoop() {
	defer pc.t.wg.Done()
	defer pc.close()

	r := bufio.NewReader(pc.c)

	pc.state.Store(int32(stateAwaitingHandshake))
	_ = pc.c.SetReadDeadline(time.Now().Add(pc.t.cfg.HandshakeTimeout))
	first, err := pc.readFrame(r)
	if err != nil {
		logrus.Warnf("stream: %s closed before handshake: %v", pc.c.RemoteAddr(), err)
		return
	}
	if !strings.HasPrefix(string(first), HandshakePrefix) {
		logrus.Warnf("stream: %s sent a non-handshake first frame, closing", pc.c.RemoteAddr())
		return
	}
	peerID := string(first[len(HandshakePrefix):])
	if peerID == "" || peerID == pc.t.localID {
		logrus.Warnf("stream: %s declared unusable node id %q, closing", pc.c.RemoteAddr(), peerID)
		return
	}
	pc.nodeID.Store(peerID)

	// The accepting side answers with its own handshake so the dialer also
	// learns who it reached.
	if pc.inbound {
		if err := pc.writeFrame([]byte(HandshakePrefix + pc.t.localID)); err != nil {
			logrus.Warnf("stream: handshake reply to %s failed: %v", peerID, err)
			return
		}
	}

	pc.state.Store(int32(stateEstablished))
	pc.t.registerPeer(peerID, pc)
	logrus.Infof("stream: connection with node %s established (%s)", peerID, pc.c.RemoteAddr())

	_ = pc.c.SetReadDeadline(time.Time{})
	for {
		frame, err := pc.readFrame(r)
		if err != nil {
			if err != io.EOF {
				logrus.Debugf("stream: read from node %s: %v", peerID, err)
			}
			return
		}
		pc.t.deliver(frame)
	}
}

func (pc *conn) readFrame(r *bufio.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > pc.t.cfg.MaxFrameSize {
		// Fatal per-connection protocol error; the stream is out of sync.
		return nil, protocolErr(fmt.Sprintf("frame of %d bytes exceeds max frame size", n))
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func protocolErr(reason string) error {
	return &protocol.ProtocolError{Reason: reason}
}

// close tears the connection down and deregisters it exactly once.
func (pc *conn) close() {
	pc.closeOnce.Do(func() {
		pc.state.Store(int32(stateClosed))
		_ = pc.c.Close()
		if id := pc.peerID(); id != "" {
			pc.t.deregisterPeer(id, pc)
		}
	})
}
