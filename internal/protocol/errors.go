package protocol

import "fmt"

// ProtocolError marks a malformed or untrusted frame: bad header, unknown
// type tag, truncated payload, oversized declared length. It is fatal to the
// frame (and to the connection that carried it, on the streaming path) but
// never to the process.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protoErrf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// TransportError wraps a delivery failure on one transport hop. Callers treat
// it as per-peer: a failed write to one node must not abort sends to others.
type TransportError struct {
	Transport string // "stream" or "bus"
	Node      string // empty for broadcast
	Err       error
}

func (e *TransportError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s transport: node %s: %v", e.Transport, e.Node, e.Err)
	}
	return fmt.Sprintf("%s transport: %v", e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
