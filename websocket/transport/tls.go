package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options for the TLS transport.
type TlsOptions struct {
	// Maximum delay to complete the TLS handshake. Zero disables the timeout.
	HandshakeTimeout time.Duration
	// Optional PEM file with root certificates used instead of the system
	// store when peer verification is enabled.
	CACertificatePemFile string
	// Optional client identity.
	CertificatePemFile string
	KeyPemFile         string
	KeyPemPass         string
	// Logger used by the transport. If nil, a no-op logger is used.
	Logger *zap.Logger
}

// TlsTransport layers a TLS session on top of an established TCP transport.
type TlsTransport struct {
	transportState
	lower    *TcpTransport
	hostname string
	verify   bool
	opts     TlsOptions
	logger   *zap.Logger

	mu      sync.Mutex
	conn    *tls.Conn
	stopped bool
	started bool
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// # Description
//
// Factory which creates a new, non-started TlsTransport which does not
// verify the peer certificate.
//
// # Inputs
//
//   - lower: Established TCP transport carrying the byte stream.
//   - hostname: Server name used for SNI.
//   - opts: Transport options.
//   - stateCb: Callback fired on transport state changes.
//
// # Returns
//
// A new, non-started TlsTransport.
func NewTlsTransport(lower *TcpTransport, hostname string, opts TlsOptions, stateCb StateCallback) *TlsTransport {
	return newTlsTransport(lower, hostname, false, opts, stateCb)
}

// # Description
//
// Factory which creates a new, non-started TlsTransport which validates the
// peer certificate chain and hostname, against the root certificates from
// opts.CACertificatePemFile if set, else against the system store.
//
// # Inputs
//
//   - lower: Established TCP transport carrying the byte stream.
//   - hostname: Server name used for SNI and certificate validation.
//   - opts: Transport options.
//   - stateCb: Callback fired on transport state changes.
//
// # Returns
//
// A new, non-started TlsTransport.
func NewVerifiedTlsTransport(lower *TcpTransport, hostname string, opts TlsOptions, stateCb StateCallback) *TlsTransport {
	return newTlsTransport(lower, hostname, true, opts, stateCb)
}

func newTlsTransport(lower *TcpTransport, hostname string, verify bool, opts TlsOptions, stateCb StateCallback) *TlsTransport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &TlsTransport{
		lower:    lower,
		hostname: hostname,
		verify:   verify,
		opts:     opts,
		logger:   logger.Named("tls"),
		done:     make(chan struct{}),
	}
	t.stateCb = stateCb
	return t
}

// # Description
//
// Start the asynchronous TLS handshake on the lower transport's connection.
// Fires Connecting and returns immediately; Connected or Failed is reported
// later through the state callback, from the handshake goroutine.
func (t *TlsTransport) Start() error {
	lowerConn := t.lower.Conn()
	if lowerConn == nil {
		return fmt.Errorf("lower transport is not connected")
	}
	config, err := t.buildConfig()
	if err != nil {
		return err
	}
	t.startOnce.Do(func() {
		t.mu.Lock()
		t.started = true
		t.mu.Unlock()
		t.setState(Connecting)
		go t.handshake(lowerConn, config)
	})
	return nil
}

// Handshake goroutine body.
func (t *TlsTransport) handshake(lowerConn net.Conn, config *tls.Config) {
	defer close(t.done)
	t.logger.Debug("handshaking", zap.String("server_name", t.hostname), zap.Bool("verify", t.verify))
	conn := tls.Client(lowerConn, config)
	ctx := context.Background()
	if t.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.HandshakeTimeout)
		defer cancel()
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		t.logger.Warn("handshake failed", zap.Error(err))
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
	t.logger.Debug("handshake complete")
	t.setState(Connected)
}

// Builds the tls.Config from the transport options.
func (t *TlsTransport) buildConfig() (*tls.Config, error) {
	config := &tls.Config{
		ServerName:         t.hostname,
		InsecureSkipVerify: !t.verify,
	}
	if t.verify && t.opts.CACertificatePemFile != "" {
		pemData, err := os.ReadFile(t.opts.CACertificatePemFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificate could be parsed from %s", t.opts.CACertificatePemFile)
		}
		config.RootCAs = pool
	}
	if t.opts.CertificatePemFile != "" && t.opts.KeyPemFile != "" {
		cert, err := loadKeyPair(t.opts.CertificatePemFile, t.opts.KeyPemFile, t.opts.KeyPemPass)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config, nil
}

// Loads a client identity, decrypting the key with pass when set.
func loadKeyPair(certFile, keyFile, pass string) (tls.Certificate, error) {
	if pass == "" {
		return tls.LoadX509KeyPair(certFile, keyFile)
	}
	certPem, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPem, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	block, _ := pem.Decode(keyPem)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("no PEM block found in %s", keyFile)
	}
	//nolint:staticcheck // legacy encrypted PEM keys are part of the configuration surface
	der, err := x509.DecryptPEMBlock(block, []byte(pass))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decrypt key: %w", err)
	}
	keyPem = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	return tls.X509KeyPair(certPem, keyPem)
}

// # Description
//
// Stop the transport. Idempotent. Closes the TLS connection if any and
// blocks until the handshake goroutine has exited. The lower transport is
// not stopped.
func (t *TlsTransport) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		conn := t.conn
		started := t.started
		t.mu.Unlock()
		if conn != nil {
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

// # Description
//
// Send raw bytes on the TLS session. Returns false when the transport is not
// connected or the write fails.
func (t *TlsTransport) Send(message *Message) bool {
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

// Conn returns the established TLS connection, or nil before Connected.
func (t *TlsTransport) Conn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn
}
