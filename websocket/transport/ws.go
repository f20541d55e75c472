package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Deadline applied to outbound control frames.
const controlWriteTimeout = 10 * time.Second

// WsConfiguration carries the handshake and session settings of the
// websocket framing layer.
type WsConfiguration struct {
	// Value of the Host header, hostname with an optional port.
	Host string
	// Request path, with the query string appended if any.
	Path string
	// Subprotocols offered during the handshake, in preference order.
	Protocols []string
	// Maximum size of an inbound message. Zero disables the limit.
	MaxMessageSize int64
	// Interval between keep-alive pings. Zero disables pinging.
	PingInterval time.Duration
	// Number of unanswered pings after which the connection is considered
	// dead. Zero disables the check.
	MaxOutstandingPings int
	// Maximum delay to complete the websocket handshake. Zero disables the
	// timeout.
	HandshakeTimeout time.Duration
	// Logger used by the transport. If nil, a no-op logger is used.
	Logger *zap.Logger
}

// WsTransport is the top layer of the stack: RFC 6455 handshake and framing
// on top of a byte-stream lower transport. Framing, control frames and
// message defragmentation are delegated to the gorilla/websocket library;
// the transport surfaces complete application messages through the message
// callback bound at construction.
type WsTransport struct {
	transportState
	lower     StreamTransport
	config    WsConfiguration
	messageCb MessageCallback
	logger    *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped bool
	started bool
	// Serializes writes to the connection.
	writeMu sync.Mutex
	// Closed when the session goroutine (handshake + reader) exits.
	done chan struct{}
	// Closed to stop the pinger goroutine.
	pingStop     chan struct{}
	pingStopOnce sync.Once
	// Unanswered ping counter, reset by the pong handler.
	outstandingPings atomic.Int32

	startOnce sync.Once
	stopOnce  sync.Once
}

// # Description
//
// Factory which creates a new, non-started WsTransport.
//
// # Inputs
//
//   - lower: Established byte-stream transport, either the TCP transport or
//     a TLS transport layered on it. A TLS lower transport makes the
//     handshake use the wss scheme.
//   - config: Handshake and session settings.
//   - messageCb: Callback fired for every inbound application message. A nil
//     message signals the remote side closed the connection.
//   - stateCb: Callback fired on transport state changes.
//
// # Returns
//
// A new, non-started WsTransport.
func NewWsTransport(lower StreamTransport, config WsConfiguration, messageCb MessageCallback, stateCb StateCallback) *WsTransport {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &WsTransport{
		lower:     lower,
		config:    config,
		messageCb: messageCb,
		logger:    logger.Named("ws"),
		done:      make(chan struct{}),
		pingStop:  make(chan struct{}),
	}
	t.stateCb = stateCb
	return t
}

// # Description
//
// Start the asynchronous websocket handshake over the lower transport's
// connection. Fires Connecting and returns immediately; Connected or Failed
// is reported later through the state callback. Once connected, the
// transport reads messages until the connection closes.
func (t *WsTransport) Start() error {
	lowerConn := t.lower.Conn()
	if lowerConn == nil {
		return fmt.Errorf("lower transport is not connected")
	}
	t.startOnce.Do(func() {
		t.mu.Lock()
		t.started = true
		t.mu.Unlock()
		t.setState(Connecting)
		go t.run(lowerConn)
	})
	return nil
}

// Session goroutine body: handshake then read loop.
func (t *WsTransport) run(lowerConn net.Conn) {
	defer close(t.done)
	conn, err := t.handshake(lowerConn)
	if err != nil {
		if !t.isStopped() {
			t.logger.Warn("handshake failed", zap.Error(err))
			t.setState(Failed)
		}
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()
	if t.config.MaxMessageSize > 0 {
		conn.SetReadLimit(t.config.MaxMessageSize)
	}
	conn.SetPongHandler(func(string) error {
		t.outstandingPings.Store(0)
		return nil
	})
	t.logger.Debug("websocket open", zap.String("subprotocol", conn.Subprotocol()))
	// Report Connected before reading so that no message callback can fire
	// before the state callback completes.
	t.setState(Connected)
	if t.config.PingInterval > 0 {
		go t.pinger(conn)
	}
	t.readLoop(conn)
}

// Performs the websocket handshake on top of conn.
func (t *WsTransport) handshake(conn net.Conn) (*websocket.Conn, error) {
	scheme := "ws"
	if _, secure := t.lower.(*TlsTransport); secure {
		scheme = "wss"
	}
	target, err := url.Parse(scheme + "://" + t.config.Host + t.config.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket target: %w", err)
	}
	takeover := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return conn, nil
	}
	dialer := websocket.Dialer{
		NetDialContext:    takeover,
		NetDialTLSContext: takeover,
		Subprotocols:      t.config.Protocols,
		HandshakeTimeout:  t.config.HandshakeTimeout,
	}
	wsConn, resp, err := dialer.DialContext(context.Background(), target.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		wsConn.Close()
		return nil, fmt.Errorf("unexpected handshake status: %s", resp.Status)
	}
	return wsConn, nil
}

// Read loop. Delivers application messages in arrival order, signals remote
// close with a nil message and reports the final transport state.
func (t *WsTransport) readLoop(conn *websocket.Conn) {
	defer t.stopPinger()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if t.isStopped() {
				return
			}
			closeErr := &websocket.CloseError{}
			if errors.As(err, &closeErr) || errors.Is(err, io.EOF) ||
				errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				t.logger.Debug("connection closed by remote", zap.Error(err))
				t.messageCb(nil)
				t.setState(Disconnected)
			} else {
				t.logger.Warn("read failed", zap.Error(err))
				t.setState(Failed)
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			t.messageCb(&Message{Type: String, Data: data})
		case websocket.BinaryMessage:
			t.messageCb(&Message{Type: Binary, Data: data})
		}
	}
}

// Pinger goroutine body: sends keep-alive pings and fails the transport when
// too many remain unanswered.
func (t *WsTransport) pinger(conn *websocket.Conn) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.pingStop:
			return
		case <-ticker.C:
			if t.config.MaxOutstandingPings > 0 &&
				int(t.outstandingPings.Load()) >= t.config.MaxOutstandingPings {
				t.logger.Warn("no pong received, failing connection",
					zap.Int32("outstanding", t.outstandingPings.Load()))
				if !t.isStopped() {
					t.setState(Failed)
				}
				conn.Close()
				return
			}
			deadline := time.Now().Add(controlWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.logger.Debug("ping write failed", zap.Error(err))
				return
			}
			t.outstandingPings.Add(1)
		}
	}
}

func (t *WsTransport) stopPinger() {
	t.pingStopOnce.Do(func() { close(t.pingStop) })
}

func (t *WsTransport) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// # Description
//
// Close initiates a graceful websocket closure: a close frame is sent to the
// server and the connection stays up until the server replies with its own
// close frame, which surfaces as a remote close through the message and
// state callbacks.
func (t *WsTransport) Close() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}
	data := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	deadline := time.Now().Add(controlWriteTimeout)
	if err := conn.WriteControl(websocket.CloseMessage, data, deadline); err != nil {
		t.logger.Debug("close frame write failed", zap.Error(err))
	}
}

// # Description
//
// Send a message to the server. String and Binary messages map to text and
// binary frames; Control messages are not admitted, control frames belong to
// the framing layer. Returns the admission result.
func (t *WsTransport) Send(message *Message) bool {
	if message == nil || message.Type == Control || t.State() != Connected {
		return false
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return false
	}
	frameType := websocket.BinaryMessage
	if message.Type == String {
		frameType = websocket.TextMessage
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(frameType, message.Data); err != nil {
		t.logger.Debug("write failed", zap.Error(err))
		return false
	}
	return true
}

// # Description
//
// Stop the transport. Idempotent. Sends a best-effort close frame, drops the
// connection and blocks until the session goroutine has exited. The lower
// transports are not stopped.
func (t *WsTransport) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		conn := t.conn
		started := t.started
		t.mu.Unlock()
		t.stopPinger()
		if conn != nil {
			data := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, data, time.Now().Add(time.Second))
			conn.Close()
		} else if lowerConn := t.lower.Conn(); lowerConn != nil {
			// Abort an in-flight handshake by closing the lower stream.
			lowerConn.Close()
		}
		if started {
			<-t.done
		}
		t.changeState(Completed)
		t.logger.Debug("stopped")
	})
}
