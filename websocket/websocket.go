// Package websocket implements a client-side websocket endpoint built as a
// layered transport stack: a TCP client, an optional TLS session and the
// websocket framing layer. The endpoint owns the stack, exposes
// open/close/send/receive operations and surfaces connection lifecycle
// events through user callbacks.
package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/telegie/libdatachannel/threadpool"
	"github.com/telegie/libdatachannel/websocket/transport"
)

// State of the endpoint connection lifecycle.
type State int32

const (
	// No connection. Initial state, and terminal state of every lifecycle.
	Closed State = iota
	// The transport stack is being established.
	Connecting
	// The websocket session is established and messages flow.
	Open
	// A graceful closure has been initiated.
	Closing
)

// String representation of an endpoint state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// WebSocket is a client websocket endpoint.
//
// A zero endpoint is not usable; use the New factory. The endpoint is safe
// for concurrent use: operations may be called from any goroutine and
// transport callbacks arrive on the transports' own goroutines.
type WebSocket struct {
	// Immutable configuration.
	config Configuration
	logger *zap.Logger
	// Tracer used to instrument the endpoint code.
	tracer trace.Tracer

	// Parsed target URL parts. Written by Open before any transport starts.
	url wsURL
	// Id bound to the current connection attempt. Used to correlate traces
	// and logs.
	connectionId string

	// Connection state. Exchanged atomically; the exchange result gates the
	// edge-triggered user callbacks.
	state atomic.Int32
	// Transport slots. Read with atomic loads on hot paths, published by the
	// builders under the init mutex with atomic stores and swapped out
	// atomically on teardown, so reads stay lock-free.
	tcpTransport atomic.Pointer[transport.TcpTransport]
	tlsTransport atomic.Pointer[transport.TlsTransport]
	wsTransport  atomic.Pointer[transport.WsTransport]
	// Serializes the transport stack builders.
	initMu sync.Mutex

	// Bounded FIFO of inbound application messages.
	recvQueue *recvQueue
	// User callbacks, reset on teardown.
	callbacks callbacks
}

// # Description
//
// Factory - Return a new websocket endpoint in the Closed state.
//
// # Inputs
//
//   - cfg: Endpoint configuration. If nil, default configuration is used.
//   - logger: Logger to use. If nil, a no-op logger is used.
//   - tracerProvider: OpenTelemetry tracer provider to use. If nil, the
//     global TracerProvider is used.
//
// # Return
//
// Factory returns a new endpoint in case of success. If the provided
// configuration is invalid, factory will return nil and an error.
func New(cfg *Configuration, logger *zap.Logger, tracerProvider trace.TracerProvider) (*WebSocket, error) {
	if cfg == nil {
		cfg = NewConfiguration()
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}
	return &WebSocket{
		config: *cfg,
		logger: logger.Named(pkgName),
		tracer: tracerProvider.Tracer(pkgName, trace.WithInstrumentationVersion(pkgVersion)),
		recvQueue: newRecvQueue(recvQueueLimit, func(message *transport.Message) int {
			return message.Size()
		}),
	}, nil
}

/*************************************************************************************************/
/* PUBLIC OPERATIONS                                                                             */
/*************************************************************************************************/

// # Description
//
// Open a connection to the provided ws/wss URL. The method parses the URL,
// transitions the endpoint to Connecting and starts building the transport
// stack; it returns before the connection is established. The outcome is
// reported through the OnOpen callback, or through OnError followed by
// OnClosed on failure.
//
// # Inputs
//
//   - rawURL: Target websocket URL, e.g. "wss://host:8443/path?x=1".
//
// # Return
//
// Nil on success. ErrNotClosed when the endpoint is not in the Closed state,
// an InvalidURLError when the URL is rejected, or a TransportInitError when
// the TCP transport could not be initialized.
func (ws *WebSocket) Open(rawURL string) error {
	ctx, span := ws.tracer.Start(context.Background(), spanOpen,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(attrURL, rawURL)))
	defer span.End()
	if ws.ReadyState() != Closed {
		return handleError(ErrNotClosed, span)
	}
	parsed, err := parseURL(rawURL)
	if err != nil {
		return handleError(err, span)
	}
	ws.url = parsed
	ws.connectionId = uuid.New().String()
	span.SetAttributes(
		attribute.String(attrScheme, parsed.scheme),
		attribute.String(attrHost, parsed.host),
		attribute.String(attrConnectionId, ws.connectionId),
	)
	ws.logger.Debug("opening websocket",
		zap.String("url", parsed.String()),
		zap.String("connection_id", ws.connectionId))
	ws.changeState(Connecting)
	span.AddEvent(eventStateChanged, trace.WithAttributes(
		attribute.String(attrState, Connecting.String())))
	if _, err := ws.initTcpTransport(ctx); err != nil {
		return handleError(err, span)
	}
	span.SetStatus(codes.Ok, codes.Ok.String())
	return nil
}

// # Description
//
// Close initiates a graceful closure from the Connecting or Open state and
// returns immediately; transport shutdown is asynchronous. When the
// websocket transport is already up a close frame is exchanged with the
// server, otherwise the endpoint collapses directly to Closed. OnClosed
// fires exactly once per lifecycle, whatever the closure path.
func (ws *WebSocket) Close() {
	ctx, span := ws.tracer.Start(context.Background(), spanClose,
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	defer span.SetStatus(codes.Ok, codes.Ok.String())
	state := ws.ReadyState()
	if state == Connecting || state == Open {
		ws.logger.Debug("closing websocket")
		ws.changeState(Closing)
		span.AddEvent(eventStateChanged, trace.WithAttributes(
			attribute.String(attrState, Closing.String())))
		if t := ws.wsTransport.Load(); t != nil {
			t.Close()
		} else {
			// No websocket transport yet: there is no closure to negotiate,
			// tear down whatever part of the stack exists.
			ws.closeTransports(ctx)
		}
	}
}

// # Description
//
// Send a message to the server.
//
// # Inputs
//
//   - message: String or Binary message to send.
//
// # Return
//
// The transport admission result and nil, ErrNotOpen when the endpoint is
// not open, or ErrMessageTooBig when the payload exceeds MaxMessageSize. The
// write may block briefly on the transport's outbound buffer; it does not
// wait for any remote acknowledgement.
func (ws *WebSocket) Send(message transport.Message) (bool, error) {
	_, span := ws.tracer.Start(context.Background(), spanSend,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int(attrMessageSize, message.Size())))
	defer span.End()
	t := ws.wsTransport.Load()
	if ws.ReadyState() != Open || t == nil {
		return false, handleError(ErrNotOpen, span)
	}
	if message.Size() > ws.MaxMessageSize() {
		return false, handleError(ErrMessageTooBig, span)
	}
	span.SetStatus(codes.Ok, codes.Ok.String())
	return t.Send(&message), nil
}

// SendText sends a text message to the server. See Send.
func (ws *WebSocket) SendText(text string) (bool, error) {
	return ws.Send(transport.Message{Type: transport.String, Data: []byte(text)})
}

// SendBinary sends a binary message to the server. See Send.
func (ws *WebSocket) SendBinary(data []byte) (bool, error) {
	return ws.Send(transport.Message{Type: transport.Binary, Data: data})
}

// # Description
//
// Receive pops inbound messages from the receive queue until an application
// message is found. Control messages are discarded. Non-blocking.
//
// # Return
//
// The first application message and true, or false when the queue holds no
// application message.
func (ws *WebSocket) Receive() (transport.Message, bool) {
	for {
		message, ok := ws.recvQueue.tryPop()
		if !ok {
			return transport.Message{}, false
		}
		if message.Type != transport.Control {
			return *message, true
		}
	}
}

// # Description
//
// Peek returns the next application message without removing it from the
// receive queue. Leading control messages are drained. Non-blocking.
//
// # Return
//
// The next application message and true, or false when the queue holds no
// application message.
func (ws *WebSocket) Peek() (transport.Message, bool) {
	for {
		message, ok := ws.recvQueue.peek()
		if !ok {
			return transport.Message{}, false
		}
		if message.Type != transport.Control {
			return *message, true
		}
		ws.recvQueue.tryPop()
	}
}

// AvailableAmount returns the current byte total of the receive queue.
func (ws *WebSocket) AvailableAmount() int {
	return ws.recvQueue.amount()
}

// ReadyState returns the current endpoint state.
func (ws *WebSocket) ReadyState() State {
	return State(ws.state.Load())
}

// IsOpen returns true when the endpoint state is Open.
func (ws *WebSocket) IsOpen() bool {
	return ws.ReadyState() == Open
}

// IsClosed returns true when the endpoint state is Closed.
func (ws *WebSocket) IsClosed() bool {
	return ws.ReadyState() == Closed
}

// MaxMessageSize returns the effective maximum message size in bytes.
func (ws *WebSocket) MaxMessageSize() int {
	if ws.config.MaxMessageSize > 0 {
		return ws.config.MaxMessageSize
	}
	return defaultMaxMessageSize
}

/*************************************************************************************************/
/* EVENT CALLBACKS                                                                               */
/*************************************************************************************************/

// OnOpen sets the callback fired once the websocket session is established.
func (ws *WebSocket) OnOpen(cb func()) {
	ws.callbacks.setOnOpen(cb)
}

// OnMessage sets the callback fired for each inbound application message.
// When a callback is installed, messages are delivered through it instead of
// accumulating in the receive queue; messages already queued are flushed to
// the callback in order.
func (ws *WebSocket) OnMessage(cb func(message transport.Message)) {
	ws.callbacks.setOnMessage(cb)
	if cb != nil {
		ws.flushQueue()
	}
}

// OnError sets the callback fired when a transport reports a failure. The
// reason is a short human-readable description.
func (ws *WebSocket) OnError(cb func(reason string)) {
	ws.callbacks.setOnError(cb)
}

// OnClosed sets the callback fired once when the endpoint reaches Closed.
func (ws *WebSocket) OnClosed(cb func()) {
	ws.callbacks.setOnClosed(cb)
}

// OnAvailable sets the callback fired when a message is queued, with the
// current element count of the receive queue.
func (ws *WebSocket) OnAvailable(cb func(queued int)) {
	ws.callbacks.setOnAvailable(cb)
}

/*************************************************************************************************/
/* STATE MACHINE                                                                                 */
/*************************************************************************************************/

// changeState atomically exchanges the stored state; it returns true only if
// the state actually changed. It is the sole gate for firing the
// edge-triggered user callbacks.
func (ws *WebSocket) changeState(state State) bool {
	changed := State(ws.state.Swap(int32(state))) != state
	if changed {
		ws.logger.Debug("state changed", zap.Stringer("state", state))
	}
	return changed
}

// remoteClose tears the endpoint down after a remote closure or a transport
// failure. Idempotent: no-op when the endpoint is already Closed.
func (ws *WebSocket) remoteClose() {
	if ws.ReadyState() != Closed {
		ws.Close()
		ws.closeTransports(context.Background())
	}
}

// triggerError surfaces an asynchronous failure to the user.
func (ws *WebSocket) triggerError(reason string) {
	ws.logger.Warn("websocket error", zap.String("reason", reason))
	ws.callbacks.triggerError(reason)
}

/*************************************************************************************************/
/* INBOUND DISPATCHER                                                                            */
/*************************************************************************************************/

// incoming is the websocket transport's message callback. A nil message
// signals a remote close. Application messages enter the receive queue in
// arrival order; control messages have already been acted on by the framing
// layer and are ignored here.
func (ws *WebSocket) incoming(message *transport.Message) {
	if message == nil {
		ws.remoteClose()
		return
	}
	if message.Type == transport.String || message.Type == transport.Binary {
		ws.recvQueue.push(message)
		ws.callbacks.triggerAvailable(ws.recvQueue.size())
		ws.flushQueue()
	}
}

// flushQueue delivers queued application messages through the OnMessage
// callback while one is installed.
func (ws *WebSocket) flushQueue() {
	for ws.callbacks.hasMessageCallback() {
		message, ok := ws.Receive()
		if !ok {
			return
		}
		ws.callbacks.triggerMessage(message)
	}
}

/*************************************************************************************************/
/* TRANSPORT STACK BUILDERS                                                                      */
/*************************************************************************************************/

// # Description
//
// Idempotent builder of the TCP transport. Serialized with the other
// builders by the init mutex. On failure the whole endpoint is torn down and
// a TransportInitError is returned.
func (ws *WebSocket) initTcpTransport(ctx context.Context) (*transport.TcpTransport, error) {
	_, span := ws.tracer.Start(ctx, spanInitTcp, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	ws.logger.Debug("starting TCP transport")
	t, err := ws.doInitTcpTransport()
	if err != nil {
		ws.logger.Error("TCP transport initialization failed", zap.Error(err))
		ws.remoteClose()
		return nil, handleError(&TransportInitError{Layer: "TCP", Err: err}, span)
	}
	span.SetStatus(codes.Ok, codes.Ok.String())
	return t, nil
}

func (ws *WebSocket) doInitTcpTransport() (*transport.TcpTransport, error) {
	ws.initMu.Lock()
	defer ws.initMu.Unlock()
	if t := ws.tcpTransport.Load(); t != nil {
		return t, nil
	}
	t := transport.NewTcpTransport(ws.url.hostname, ws.url.service, transport.TcpOptions{
		ConnectTimeout: ws.connectionTimeout(),
		ProxyServer:    ws.config.ProxyServer,
		Logger:         ws.transportLogger(),
	}, func(state transport.State) {
		switch state {
		case transport.Connected:
			var err error
			if ws.url.scheme == "ws" {
				_, err = ws.initWsTransport(context.Background())
			} else {
				_, err = ws.initTlsTransport(context.Background())
			}
			if err != nil {
				ws.logger.Error("transport stack initialization failed", zap.Error(err))
			}
		case transport.Failed:
			ws.triggerError("TCP connection failed")
			ws.remoteClose()
		case transport.Disconnected:
			ws.remoteClose()
		default:
			// Ignore
		}
	})
	ws.tcpTransport.Store(t)
	// Re-check state after publication: this closes a race between Close and
	// a mid-flight builder.
	if ws.ReadyState() == Closed {
		ws.tcpTransport.Store(nil)
		return nil, ErrConnectionClosed
	}
	if err := t.Start(); err != nil {
		ws.tcpTransport.Store(nil)
		return nil, err
	}
	return t, nil
}

// # Description
//
// Idempotent builder of the TLS transport, layered on the TCP transport.
// Peer verification follows the endpoint configuration. On failure the whole
// endpoint is torn down and a TransportInitError is returned.
func (ws *WebSocket) initTlsTransport(ctx context.Context) (*transport.TlsTransport, error) {
	_, span := ws.tracer.Start(ctx, spanInitTls, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	ws.logger.Debug("starting TLS transport")
	t, err := ws.doInitTlsTransport()
	if err != nil {
		ws.logger.Error("TLS transport initialization failed", zap.Error(err))
		ws.remoteClose()
		return nil, handleError(&TransportInitError{Layer: "TLS", Err: err}, span)
	}
	span.SetStatus(codes.Ok, codes.Ok.String())
	return t, nil
}

func (ws *WebSocket) doInitTlsTransport() (*transport.TlsTransport, error) {
	ws.initMu.Lock()
	defer ws.initMu.Unlock()
	if t := ws.tlsTransport.Load(); t != nil {
		return t, nil
	}
	lower := ws.tcpTransport.Load()
	if lower == nil {
		return nil, ErrConnectionClosed
	}
	stateCb := func(state transport.State) {
		switch state {
		case transport.Connected:
			if _, err := ws.initWsTransport(context.Background()); err != nil {
				ws.logger.Error("transport stack initialization failed", zap.Error(err))
			}
		case transport.Failed:
			ws.triggerError("TLS connection failed")
			ws.remoteClose()
		case transport.Disconnected:
			ws.remoteClose()
		default:
			// Ignore
		}
	}
	opts := transport.TlsOptions{
		HandshakeTimeout:     ws.connectionTimeout(),
		CACertificatePemFile: ws.config.CACertificatePemFile,
		CertificatePemFile:   ws.config.CertificatePemFile,
		KeyPemFile:           ws.config.KeyPemFile,
		KeyPemPass:           ws.config.KeyPemPass,
		Logger:               ws.transportLogger(),
	}
	var t *transport.TlsTransport
	if ws.config.DisableTLSVerification {
		ws.logger.Warn("TLS certificate verification is disabled")
		t = transport.NewTlsTransport(lower, ws.url.hostname, opts, stateCb)
	} else {
		t = transport.NewVerifiedTlsTransport(lower, ws.url.hostname, opts, stateCb)
	}
	ws.tlsTransport.Store(t)
	if ws.ReadyState() == Closed {
		ws.tlsTransport.Store(nil)
		return nil, ErrConnectionClosed
	}
	if err := t.Start(); err != nil {
		ws.tlsTransport.Store(nil)
		return nil, err
	}
	return t, nil
}

// # Description
//
// Idempotent builder of the websocket transport, layered on the TLS
// transport when one exists, else on the TCP transport. On failure the whole
// endpoint is torn down and a TransportInitError is returned.
func (ws *WebSocket) initWsTransport(ctx context.Context) (*transport.WsTransport, error) {
	_, span := ws.tracer.Start(ctx, spanInitWs, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	ws.logger.Debug("starting WebSocket transport")
	t, err := ws.doInitWsTransport()
	if err != nil {
		ws.logger.Error("WebSocket transport initialization failed", zap.Error(err))
		ws.remoteClose()
		return nil, handleError(&TransportInitError{Layer: "WebSocket", Err: err}, span)
	}
	span.SetStatus(codes.Ok, codes.Ok.String())
	return t, nil
}

func (ws *WebSocket) doInitWsTransport() (*transport.WsTransport, error) {
	ws.initMu.Lock()
	defer ws.initMu.Unlock()
	if t := ws.wsTransport.Load(); t != nil {
		return t, nil
	}
	var lower transport.StreamTransport
	if tlsT := ws.tlsTransport.Load(); tlsT != nil {
		lower = tlsT
	} else if tcpT := ws.tcpTransport.Load(); tcpT != nil {
		lower = tcpT
	} else {
		return nil, ErrConnectionClosed
	}
	wsConfig := transport.WsConfiguration{
		Host:                ws.url.host,
		Path:                ws.url.path,
		Protocols:           ws.config.Protocols,
		MaxMessageSize:      int64(ws.MaxMessageSize()),
		PingInterval:        time.Duration(ws.config.PingIntervalMs) * time.Millisecond,
		MaxOutstandingPings: ws.config.MaxOutstandingPings,
		HandshakeTimeout:    ws.connectionTimeout(),
		Logger:              ws.transportLogger(),
	}
	t := transport.NewWsTransport(lower, wsConfig, ws.incoming, func(state transport.State) {
		switch state {
		case transport.Connected:
			if ws.ReadyState() == Connecting {
				if ws.changeState(Open) {
					ws.logger.Debug("websocket open")
					ws.callbacks.triggerOpen()
				}
			} else if ws.ReadyState() == Closing {
				// Close was called during the handshake: start the closure now
				// that a close frame can be exchanged with the server.
				if wsT := ws.wsTransport.Load(); wsT != nil {
					wsT.Close()
				}
			}
		case transport.Failed:
			ws.triggerError("WebSocket connection failed")
			ws.remoteClose()
		case transport.Disconnected:
			ws.remoteClose()
		default:
			// Ignore
		}
	})
	ws.wsTransport.Store(t)
	if ws.ReadyState() == Closed {
		ws.wsTransport.Store(nil)
		return nil, ErrConnectionClosed
	}
	if err := t.Start(); err != nil {
		ws.wsTransport.Store(nil)
		return nil, err
	}
	return t, nil
}

/*************************************************************************************************/
/* TEARDOWN                                                                                      */
/*************************************************************************************************/

// closeTransports finalizes the lifecycle: it transitions to Closed, fires
// OnClosed exactly once, resets the user callbacks and hands the live
// transports to the worker pool to be stopped there. Off-goroutine disposal
// is required because a transport's Stop joins its own goroutines and the
// teardown may have been triggered from one of their callbacks.
func (ws *WebSocket) closeTransports(ctx context.Context) {
	ws.logger.Debug("closing transports")
	if ws.changeState(Closed) {
		ws.callbacks.triggerClosed()
	}
	ws.callbacks.reset()
	wsT := ws.wsTransport.Swap(nil)
	tlsT := ws.tlsTransport.Swap(nil)
	tcpT := ws.tcpTransport.Swap(nil)
	if wsT == nil && tlsT == nil && tcpT == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.AddEvent(eventTeardown)
	threadpool.Enqueue(func() {
		if wsT != nil {
			wsT.Stop()
		}
		if tlsT != nil {
			tlsT.Stop()
		}
		if tcpT != nil {
			tcpT.Stop()
		}
	})
}

/*************************************************************************************************/
/* UTILS                                                                                         */
/*************************************************************************************************/

func (ws *WebSocket) connectionTimeout() time.Duration {
	return time.Duration(ws.config.ConnectionTimeoutMs) * time.Millisecond
}

func (ws *WebSocket) transportLogger() *zap.Logger {
	return ws.logger.With(zap.String("connection_id", ws.connectionId))
}

// Records err on the span, sets the span status and passes err through.
func handleError(err error, span trace.Span) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, codes.Error.String())
	return err
}
