// This package contains the implementation of a simple echo websocket server
// used as test infrastructure by the websocket endpoint tests. The server
// echoes every application message back to its sender and can run behind a
// TLS listener to exercise wss sessions.
package echowsserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Alias type used as key in context for the session ID
type contextKey string

const (
	sessionId contextKey = "sessionId"
)

// Messages prefixed with this marker make the server emit a ping control
// frame before echoing the remainder. Used to test that control frames do
// not surface as application messages on the client side.
const PingMarker = "ping:"

// Structure for the websocket server
type EchoWebsocketServer struct {
	// Listen address, host:port. A zero port picks a free one.
	addr string
	// Optional TLS configuration. When set the server accepts wss sessions.
	tlsConfig *tls.Config
	// Underlying http.Server
	httpServer *http.Server
	// Listener the server accepts connections on
	listener net.Listener
	// Websocket upgrader
	upgrader websocket.Upgrader
	// Indicates that server has started
	started bool
	// Context bound to websocket server lifetime
	serverCtx context.Context
	// Cancel function used to stop server
	cancelServerCtx context.CancelFunc
	// Internal mutex used to coordinate start/stop
	startMu *sync.Mutex
	// Logger
	logger *zap.Logger
}

// # Description
//
// Factory which creates a new, non-started EchoWebsocketServer.
//
// # Inputs
//
//   - addr: Listen address (host:port). If empty, "localhost:0" is used and
//     a free port is picked when the server starts.
//   - tlsConfig: Optional TLS configuration. When non-nil, the server runs
//     behind a TLS listener and serves wss sessions.
//   - logger: Logger to use. If nil, a no-op logger is used.
//
// # Returns
//
// A new, non-started EchoWebsocketServer.
func NewEchoWebsocketServer(addr string, tlsConfig *tls.Config, logger *zap.Logger) *EchoWebsocketServer {
	if addr == "" {
		addr = "localhost:0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	wssrv := &EchoWebsocketServer{
		addr:      addr,
		tlsConfig: tlsConfig,
		upgrader:  websocket.Upgrader{},
		started:   false,
		startMu:   &sync.Mutex{},
		logger:    logger.Named("echowsserver"),
	}
	wssrv.httpServer = &http.Server{Handler: wssrv}
	return wssrv
}

// # Description
//
// Start the websocket server that will accept incoming websocket connections.
func (srv *EchoWebsocketServer) Start() error {
	// Lock start mutex
	srv.startMu.Lock()
	defer srv.startMu.Unlock()
	if srv.started {
		// Server is already started -> error
		return fmt.Errorf("server already started")
	}
	listener, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return err
	}
	if srv.tlsConfig != nil {
		listener = tls.NewListener(listener, srv.tlsConfig)
	}
	srv.listener = listener
	// Create cancelable server context
	srv.serverCtx, srv.cancelServerCtx = context.WithCancel(context.Background())
	// Start the server
	srv.started = true
	srv.logger.Info("server started", zap.String("address", listener.Addr().String()))
	go srv.httpServer.Serve(listener)
	return nil
}

// # Description
//
// # Stop the websocket server
//
// # Returns
//
// Nil in case of success, an error otherwise.
func (srv *EchoWebsocketServer) Stop() error {
	// Lock start mutex
	srv.startMu.Lock()
	defer srv.startMu.Unlock()
	// Check started flag
	if !srv.started {
		return fmt.Errorf("server not started")
	}
	// Cancel server context to shutdown all goroutines
	srv.cancelServerCtx()
	// Close server
	return srv.httpServer.Close()
}

// # Description
//
// Address the server listens on (host:port). Only valid once started.
func (srv *EchoWebsocketServer) Addr() string {
	srv.startMu.Lock()
	defer srv.startMu.Unlock()
	if srv.listener == nil {
		return srv.addr
	}
	return srv.listener.Addr().String()
}

// # Description
//
// Server handler which accepts incoming websocket connections.
func (srv *EchoWebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.logger.Debug("new client connection", zap.String("remote", r.RemoteAddr))
	// Accept the first subprotocol the client offered, if any
	var responseHeader http.Header
	if protocols := websocket.Subprotocols(r); len(protocols) > 0 {
		responseHeader = http.Header{}
		responseHeader.Set("Sec-WebSocket-Protocol", protocols[0])
	}
	// Accept incoming client connection
	c, err := srv.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		srv.logger.Warn("an error occured while accepting client connection", zap.Error(err))
		return
	}
	// Start goroutines which will handle new client
	go srv.closeWatchdog(srv.serverCtx, c)
	go srv.runClientSession(context.WithValue(srv.serverCtx, sessionId, uuid.New()), c)
}

// Manages the client session and handle echo feature until the connection is
// closed.
func (srv *EchoWebsocketServer) runClientSession(ctx context.Context, conn *websocket.Conn) {
	logger := srv.logger.With(zap.Any("session_id", ctx.Value(sessionId)))
	for {
		// Read message
		mt, message, err := conn.ReadMessage()
		if err != nil {
			// Check if close error
			ce := &websocket.CloseError{}
			if errors.As(err, &ce) || errors.Is(err, io.EOF) ||
				strings.Contains(strings.ToLower(err.Error()), "use of closed network connection") {
				logger.Debug("connection closed", zap.Error(err))
				return
			}
			// Other errors
			logger.Warn("read error", zap.Error(err))
			return
		}
		logger.Debug("message read", zap.Int("type", mt), zap.Int("size", len(message)))
		// Interleave a ping control frame when instructed to
		if mt == websocket.TextMessage && strings.HasPrefix(string(message), PingMarker) {
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Warn("ping write error", zap.Error(err))
				return
			}
			message = []byte(strings.TrimPrefix(string(message), PingMarker))
		}
		// Echo
		err = conn.WriteMessage(mt, message)
		if err != nil {
			logger.Warn("write error", zap.Error(err))
			return
		}
	}
}

// This function waits for a cancelation signal on provided context Done
// channel and close the provided websocket connection
func (srv *EchoWebsocketServer) closeWatchdog(ctx context.Context, conn *websocket.Conn) {
	// Wait for context to be canceled
	<-ctx.Done()
	// Close connection
	conn.Close()
}
