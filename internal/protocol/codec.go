package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Wire layout, bit-exact across the cluster:
//
//	[flags:u8][tag:u8]([originalLen:u32 BE] if flags&0x1)[payload]
//
// flags bit0 = payload gzip-compressed, bit1 = payload CBOR-encoded
// (cleared means JSON, the debug-only textual form).

const (
	flagCompressed = 0x01
	flagBinary     = 0x02

	headerLen = 2

	// MaxFrameSize caps both streaming frames and the declared original
	// length of a compressed payload, so a forged header cannot force a
	// huge allocation.
	MaxFrameSize = 16 << 20
)

type cborEnvelope struct {
	Src  string          `cbor:"s"`
	TS   int64           `cbor:"t"`
	ID   string          `cbor:"id"`
	Body cbor.RawMessage `cbor:"b"`
}

type jsonEnvelope struct {
	Src  string          `json:"src"`
	TS   int64           `json:"ts"`
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
}

// Encode serializes a message. Binary selects CBOR over JSON. A positive
// compressionThreshold gzips any payload larger than it and records the
// original length so the receiver can pre-size the buffer.
func Encode(m *Message, useBinary bool, compressionThreshold int) ([]byte, error) {
	if m == nil || m.Payload == nil {
		return nil, protoErrf("encode: nil message or payload")
	}

	var payload []byte
	var err error
	if useBinary {
		var body []byte
		if body, err = cbor.Marshal(m.Payload); err == nil {
			payload, err = cbor.Marshal(cborEnvelope{Src: m.SourceNode, TS: m.Timestamp, ID: m.MessageID, Body: body})
		}
	} else {
		var body []byte
		if body, err = json.Marshal(m.Payload); err == nil {
			payload, err = json.Marshal(jsonEnvelope{Src: m.SourceNode, TS: m.Timestamp, ID: m.MessageID, Body: body})
		}
	}
	if err != nil {
		return nil, protoErrf("encode tag %d: %v", m.Payload.Tag(), err)
	}
	if len(payload) > MaxFrameSize {
		return nil, protoErrf("encode tag %d: payload %d exceeds max frame size", m.Payload.Tag(), len(payload))
	}

	var flags byte
	if useBinary {
		flags |= flagBinary
	}

	if compressionThreshold > 0 && len(payload) > compressionThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, protoErrf("compress: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, protoErrf("compress: %v", err)
		}
		out := make([]byte, headerLen+4+buf.Len())
		out[0] = flags | flagCompressed
		out[1] = byte(m.Payload.Tag())
		binary.BigEndian.PutUint32(out[headerLen:], uint32(len(payload)))
		copy(out[headerLen+4:], buf.Bytes())
		return out, nil
	}

	out := make([]byte, headerLen+len(payload))
	out[0] = flags
	out[1] = byte(m.Payload.Tag())
	copy(out[headerLen:], payload)
	return out, nil
}

// Decode is the exact inverse of Encode. Every malformed input fails with a
// ProtocolError; bytes are never silently dropped.
func Decode(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, protoErrf("truncated header: %d bytes", len(data))
	}
	flags := data[0]
	tag := Tag(data[1])

	payload, err := NewPayload(tag)
	if err != nil {
		return nil, err
	}

	body := data[headerLen:]
	if flags&flagCompressed != 0 {
		if len(body) < 4 {
			return nil, protoErrf("tag %d: truncated compression header", tag)
		}
		origLen := binary.BigEndian.Uint32(body)
		if origLen > MaxFrameSize {
			return nil, protoErrf("tag %d: declared length %d exceeds max frame size", tag, origLen)
		}
		zr, err := gzip.NewReader(bytes.NewReader(body[4:]))
		if err != nil {
			return nil, protoErrf("tag %d: bad gzip stream: %v", tag, err)
		}
		decompressed := make([]byte, 0, origLen)
		buf := bytes.NewBuffer(decompressed)
		n, err := io.Copy(buf, io.LimitReader(zr, int64(origLen)+1))
		if err != nil {
			return nil, protoErrf("tag %d: decompress: %v", tag, err)
		}
		if n != int64(origLen) {
			return nil, protoErrf("tag %d: declared length %d, decompressed %d", tag, origLen, n)
		}
		body = buf.Bytes()
	}

	m := &Message{Payload: payload}
	if flags&flagBinary != 0 {
		var env cborEnvelope
		if err := cbor.Unmarshal(body, &env); err != nil {
			return nil, protoErrf("tag %d: bad envelope: %v", tag, err)
		}
		if err := cbor.Unmarshal(env.Body, payload); err != nil {
			return nil, protoErrf("tag %d: bad payload: %v", tag, err)
		}
		m.SourceNode, m.Timestamp, m.MessageID = env.Src, env.TS, env.ID
	} else {
		var env jsonEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, protoErrf("tag %d: bad envelope: %v", tag, err)
		}
		if err := json.Unmarshal(env.Body, payload); err != nil {
			return nil, protoErrf("tag %d: bad payload: %v", tag, err)
		}
		m.SourceNode, m.Timestamp, m.MessageID = env.Src, env.TS, env.ID
	}
	return m, nil
}

// Compressed reports whether an encoded frame has the compressed flag set.
// Exposed for tests and traffic inspection.
func Compressed(frame []byte) bool {
	return len(frame) > 0 && frame[0]&flagCompressed != 0
}
