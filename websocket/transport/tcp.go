package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options for the TCP transport.
type TcpOptions struct {
	// Maximum delay to establish the connection. Zero disables the timeout.
	ConnectTimeout time.Duration
	// Optional HTTP proxy (host:port). When set, the transport connects to
	// the proxy and tunnels the connection with a CONNECT request.
	ProxyServer string
	// Logger used by the transport. If nil, a no-op logger is used.
	Logger *zap.Logger
}

// TcpTransport is the bottom layer of the stack: a plain TCP client
// connection to hostname:service.
type TcpTransport struct {
	transportState
	hostname string
	service  string
	opts     TcpOptions
	logger   *zap.Logger

	// Mutex protecting conn against concurrent Stop/dial completion.
	mu   sync.Mutex
	conn net.Conn
	// Set once Stop has been called. Guarded by mu.
	stopped bool
	// Closed when the dialer goroutine exits.
	done chan struct{}

	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// # Description
//
// Factory which creates a new, non-started TcpTransport.
//
// # Inputs
//
//   - hostname: Target host name or address, without brackets for IPv6.
//   - service: Target port, as a string.
//   - opts: Transport options.
//   - stateCb: Callback fired on transport state changes.
//
// # Returns
//
// A new, non-started TcpTransport.
func NewTcpTransport(hostname string, service string, opts TcpOptions, stateCb StateCallback) *TcpTransport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &TcpTransport{
		hostname: hostname,
		service:  service,
		opts:     opts,
		logger:   logger.Named("tcp"),
		done:     make(chan struct{}),
	}
	t.stateCb = stateCb
	return t
}

// # Description
//
// Start the asynchronous connection attempt. The method fires Connecting and
// returns immediately; Connected or Failed is reported later through the
// state callback, from the dialer goroutine.
func (t *TcpTransport) Start() error {
	t.startOnce.Do(func() {
		t.mu.Lock()
		t.started = true
		t.mu.Unlock()
		t.setState(Connecting)
		go t.connect()
	})
	return nil
}

// Dialer goroutine body.
func (t *TcpTransport) connect() {
	defer close(t.done)
	addr := net.JoinHostPort(t.hostname, t.service)
	t.logger.Debug("connecting", zap.String("address", addr))
	ctx := context.Background()
	if t.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.ConnectTimeout)
		defer cancel()
	}
	var conn net.Conn
	var err error
	if t.opts.ProxyServer != "" {
		conn, err = t.connectProxy(ctx, addr)
	} else {
		dialer := net.Dialer{}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		t.logger.Warn("connection failed", zap.String("address", addr), zap.Error(err))
		t.setState(Failed)
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
	t.logger.Debug("connected", zap.String("address", addr))
	t.setState(Connected)
}

// Connects to the configured proxy and tunnels addr with a CONNECT request.
func (t *TcpTransport) connectProxy(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", t.opts.ProxyServer)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: http.Header{},
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT refused: %s", resp.Status)
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}

// # Description
//
// Stop the transport. Idempotent. Closes the connection if any and blocks
// until the dialer goroutine has exited.
func (t *TcpTransport) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		conn := t.conn
		started := t.started
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if started {
			<-t.done
		}
		t.changeState(Completed)
		t.logger.Debug("stopped")
	})
}

// # Description
//
// Send raw bytes on the connection. Returns false when the transport is not
// connected or the write fails.
func (t *TcpTransport) Send(message *Message) bool {
	if message == nil || t.State() != Connected {
		return false
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return false
	}
	_, err := conn.Write(message.Data)
	return err == nil
}

// Conn returns the established connection, or nil before Connected.
func (t *TcpTransport) Conn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}
