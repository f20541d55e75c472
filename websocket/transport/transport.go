// Package transport contains the layered transports a websocket endpoint is
// built on: a plain TCP client, an optional TLS layer and the websocket
// framing layer. Layers share a common lifecycle contract and are stacked by
// handing the lower layer's stream to the next layer up.
package transport

import (
	"net"
	"sync/atomic"
)

// State of a transport lifecycle.
type State int32

const (
	// Transport is trying to establish its connection.
	Connecting State = iota + 1
	// Transport connection is established and usable.
	Connected
	// Transport connection has been closed by the remote side.
	Disconnected
	// Transport failed to connect or encountered a fatal error.
	Failed
	// Transport has finished its work and will emit no further events.
	Completed
)

// String representation of a transport state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// StateCallback is called by a transport whenever its state changes. The
// callback is invoked from the transport's own goroutine: implementations
// must not call the transport's Stop method synchronously from it.
type StateCallback func(state State)

// MessageType discriminates the message variant.
type MessageType int

const (
	// UTF-8 text payload.
	String MessageType = iota + 1
	// Arbitrary binary payload.
	Binary
	// Websocket control frame payload. Control messages are handled by the
	// framing layer and are never surfaced to the endpoint user.
	Control
)

// Message is a tagged payload exchanged with the websocket server.
type Message struct {
	Type MessageType
	Data []byte
}

// Size returns the payload size in bytes.
func (m *Message) Size() int {
	return len(m.Data)
}

// MessageCallback is called by the websocket framing layer for each inbound
// message. A nil message signals that the remote side closed the connection.
type MessageCallback func(message *Message)

// Transport is the contract shared by all layers of the stack.
//
// Start begins the asynchronous connection attempt and returns immediately;
// the outcome is reported through the state callback bound at construction.
// Stop is idempotent and blocks until the transport's goroutines have
// exited: it must not be called from a transport callback. Send hands a
// message to the transport and reports whether it was admitted.
type Transport interface {
	Start() error
	Stop()
	Send(message *Message) bool
	State() State
}

// StreamTransport is a transport exposing its byte stream so that the next
// layer up can take over the connection.
type StreamTransport interface {
	Transport
	Conn() net.Conn
}

// transportState holds the atomic state cell and the bound state callback
// shared by all transport implementations.
type transportState struct {
	state   atomic.Int32
	stateCb StateCallback
}

// State returns the current transport state.
func (t *transportState) State() State {
	return State(t.state.Load())
}

// changeState atomically exchanges the stored state and returns true only if
// the state actually changed.
func (t *transportState) changeState(state State) bool {
	return State(t.state.Swap(int32(state))) != state
}

// setState exchanges the state and fires the state callback on an actual
// change.
func (t *transportState) setState(state State) {
	if t.changeState(state) && t.stateCb != nil {
		t.stateCb(state)
	}
}
