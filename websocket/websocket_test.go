package websocket

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/telegie/libdatachannel/echowsserver"
	"github.com/telegie/libdatachannel/websocket/transport"
)

// Default timeout used when waiting for an asynchronous event.
const eventTimeout = 5 * time.Second

/*************************************************************************************************/
/* TEST HELPERS                                                                                  */
/*************************************************************************************************/

// Creates a new endpoint with the provided configuration. Fails the test on
// error.
func newTestWebSocket(t *testing.T, cfg *Configuration) *WebSocket {
	ws, err := New(cfg, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, ws)
	return ws
}

// Waits for a signal on the provided channel or fails the test.
func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	select {
	case <-ch:
	case <-time.After(eventTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// Generates a self-signed certificate for localhost and returns the TLS
// certificate along with its PEM encoding.
func generateSelfSignedCert(t *testing.T) (tls.Certificate, []byte) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDer, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPem := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer})
	cert, err := tls.X509KeyPair(certPem, keyPem)
	require.NoError(t, err)
	return cert, certPem
}

/*************************************************************************************************/
/* UNIT TEST SUITE                                                                               */
/*************************************************************************************************/

// Test suite used for WebSocket endpoint unit tests
type WebSocketUnitTestSuite struct {
	suite.Suite
}

// Run WebSocketUnitTestSuite test suite
func TestWebSocketUnitTestSuite(t *testing.T) {
	suite.Run(t, new(WebSocketUnitTestSuite))
}

// Test Open rejects invalid URLs without any state change.
func (suite *WebSocketUnitTestSuite) TestOpenRejectsInvalidURL() {
	ws := newTestWebSocket(suite.T(), nil)
	for _, raw := range []string{"ws://", "http://x/"} {
		err := ws.Open(raw)
		require.Error(suite.T(), err)
		require.ErrorAs(suite.T(), err, new(*InvalidURLError))
		require.Equal(suite.T(), Closed, ws.ReadyState())
	}
}

// Test Send is rejected while the endpoint is not open.
func (suite *WebSocketUnitTestSuite) TestSendRejectedWhenNotOpen() {
	ws := newTestWebSocket(suite.T(), nil)
	admitted, err := ws.SendText("hello")
	require.ErrorIs(suite.T(), err, ErrNotOpen)
	require.False(suite.T(), admitted)
	require.Equal(suite.T(), Closed, ws.ReadyState())
}

// Test Receive and Peek on an endpoint with an empty queue.
func (suite *WebSocketUnitTestSuite) TestReceiveAndPeekOnEmptyQueue() {
	ws := newTestWebSocket(suite.T(), nil)
	_, ok := ws.Receive()
	require.False(suite.T(), ok)
	_, ok = ws.Peek()
	require.False(suite.T(), ok)
	require.Equal(suite.T(), 0, ws.AvailableAmount())
}

// Test the factory rejects an invalid configuration.
func (suite *WebSocketUnitTestSuite) TestFactoryRejectsInvalidConfiguration() {
	ws, err := New(NewConfiguration().WithConnectionTimeoutMs(-1), nil, nil)
	require.Error(suite.T(), err)
	require.Nil(suite.T(), ws)
}

// Test MaxMessageSize falls back to the default when unset.
func (suite *WebSocketUnitTestSuite) TestMaxMessageSizeDefault() {
	ws := newTestWebSocket(suite.T(), nil)
	require.Equal(suite.T(), defaultMaxMessageSize, ws.MaxMessageSize())
	ws = newTestWebSocket(suite.T(), NewConfiguration().WithMaxMessageSize(1024))
	require.Equal(suite.T(), 1024, ws.MaxMessageSize())
}

// Test Close on a Closed endpoint is a no-op.
func (suite *WebSocketUnitTestSuite) TestCloseWhenClosedIsNoop() {
	ws := newTestWebSocket(suite.T(), nil)
	closedFired := false
	ws.OnClosed(func() { closedFired = true })
	ws.Close()
	require.Equal(suite.T(), Closed, ws.ReadyState())
	require.False(suite.T(), closedFired)
}

/*************************************************************************************************/
/* INTEGRATION TEST SUITE                                                                        */
/*************************************************************************************************/

// Test suite used to test the endpoint against a live echo websocket server
type WebSocketIntegrationTestSuite struct {
	suite.Suite
	srv    *echowsserver.EchoWebsocketServer
	srvURL string
}

// Run WebSocketIntegrationTestSuite test suite
func TestWebSocketIntegrationTestSuite(t *testing.T) {
	suite.Run(t, new(WebSocketIntegrationTestSuite))
}

// WebSocketIntegrationTestSuite - Before all tests
func (suite *WebSocketIntegrationTestSuite) SetupSuite() {
	srv := echowsserver.NewEchoWebsocketServer("", nil, nil)
	require.NotNil(suite.T(), srv)
	require.NoError(suite.T(), srv.Start())
	suite.srv = srv
	suite.srvURL = "ws://" + srv.Addr() + "/"
}

// WebSocketIntegrationTestSuite - After all tests
func (suite *WebSocketIntegrationTestSuite) TearDownSuite() {
	suite.srv.Stop()
}

// Opens the endpoint against the suite server and waits for OnOpen.
func (suite *WebSocketIntegrationTestSuite) open(ws *WebSocket, url string) {
	opened := make(chan struct{})
	ws.OnOpen(func() { close(opened) })
	require.NoError(suite.T(), ws.Open(url))
	waitSignal(suite.T(), opened, "OnOpen")
	require.True(suite.T(), ws.IsOpen())
}

// Closes the endpoint and waits for OnClosed.
func (suite *WebSocketIntegrationTestSuite) close(ws *WebSocket) {
	closed := make(chan struct{})
	ws.OnClosed(func() { close(closed) })
	ws.Close()
	waitSignal(suite.T(), closed, "OnClosed")
	require.True(suite.T(), ws.IsClosed())
}

// # Description
//
// Test the nominal lifecycle: connect to the echo server, send a text
// message, receive its echo through OnMessage, then close gracefully.
//
// Test will succeed if:
//   - OnOpen fires after Open.
//   - The echoed message is delivered to OnMessage within the timeout.
//   - OnClosed fires exactly once after Close.
func (suite *WebSocketIntegrationTestSuite) TestConnectEchoAndClose() {
	ws := newTestWebSocket(suite.T(), nil)
	echoed := make(chan transport.Message, 1)
	ws.OnMessage(func(message transport.Message) { echoed <- message })
	suite.open(ws, suite.srvURL)
	admitted, err := ws.SendText("hello")
	require.NoError(suite.T(), err)
	require.True(suite.T(), admitted)
	select {
	case message := <-echoed:
		require.Equal(suite.T(), transport.String, message.Type)
		require.Equal(suite.T(), "hello", string(message.Data))
	case <-time.After(eventTimeout):
		suite.T().Fatal("timed out waiting for echo")
	}
	suite.close(ws)
}

// # Description
//
// Test binary messages round-trip unchanged.
func (suite *WebSocketIntegrationTestSuite) TestBinaryEcho() {
	ws := newTestWebSocket(suite.T(), nil)
	echoed := make(chan transport.Message, 1)
	ws.OnMessage(func(message transport.Message) { echoed <- message })
	suite.open(ws, suite.srvURL)
	payload := []byte{0x00, 0x01, 0xFE, 0xFF}
	admitted, err := ws.SendBinary(payload)
	require.NoError(suite.T(), err)
	require.True(suite.T(), admitted)
	select {
	case message := <-echoed:
		require.Equal(suite.T(), transport.Binary, message.Type)
		require.Equal(suite.T(), payload, message.Data)
	case <-time.After(eventTimeout):
		suite.T().Fatal("timed out waiting for echo")
	}
	suite.close(ws)
}

// # Description
//
// Test 1000 small messages are delivered in send order.
func (suite *WebSocketIntegrationTestSuite) TestMessageOrdering() {
	const count = 1000
	ws := newTestWebSocket(suite.T(), nil)
	var mu sync.Mutex
	received := make([]string, 0, count)
	done := make(chan struct{})
	ws.OnMessage(func(message transport.Message) {
		mu.Lock()
		received = append(received, string(message.Data))
		if len(received) == count {
			close(done)
		}
		mu.Unlock()
	})
	suite.open(ws, suite.srvURL)
	for i := 0; i < count; i++ {
		admitted, err := ws.SendText(fmt.Sprintf("message-%04d", i))
		require.NoError(suite.T(), err)
		require.True(suite.T(), admitted)
	}
	waitSignal(suite.T(), done, "all echoes")
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < count; i++ {
		require.Equal(suite.T(), fmt.Sprintf("message-%04d", i), received[i])
	}
	suite.close(ws)
}

// # Description
//
// Test polling with Receive when no OnMessage callback is installed, with a
// ping control frame interleaved by the server between two application
// messages. Receive must return exactly the two application messages.
func (suite *WebSocketIntegrationTestSuite) TestReceivePollingSkipsControlFrames() {
	ws := newTestWebSocket(suite.T(), nil)
	suite.open(ws, suite.srvURL)
	_, err := ws.SendText(echowsserver.PingMarker + "one")
	require.NoError(suite.T(), err)
	_, err = ws.SendText("two")
	require.NoError(suite.T(), err)
	received := make([]string, 0, 2)
	require.Eventually(suite.T(), func() bool {
		if message, ok := ws.Receive(); ok {
			received = append(received, string(message.Data))
		}
		return len(received) == 2
	}, eventTimeout, 10*time.Millisecond)
	require.Equal(suite.T(), []string{"one", "two"}, received)
	_, ok := ws.Receive()
	require.False(suite.T(), ok)
	require.Equal(suite.T(), 0, ws.AvailableAmount())
	suite.close(ws)
}

// # Description
//
// Test Peek leaves the next application message at the head of the queue and
// that AvailableAmount tracks the queued byte total.
func (suite *WebSocketIntegrationTestSuite) TestPeekAndAvailableAmount() {
	ws := newTestWebSocket(suite.T(), nil)
	suite.open(ws, suite.srvURL)
	_, err := ws.SendText("payload")
	require.NoError(suite.T(), err)
	require.Eventually(suite.T(), func() bool {
		return ws.AvailableAmount() == len("payload")
	}, eventTimeout, 10*time.Millisecond)
	peeked, ok := ws.Peek()
	require.True(suite.T(), ok)
	require.Equal(suite.T(), "payload", string(peeked.Data))
	// Peek must not consume the message
	require.Equal(suite.T(), len("payload"), ws.AvailableAmount())
	received, ok := ws.Receive()
	require.True(suite.T(), ok)
	require.Equal(suite.T(), "payload", string(received.Data))
	require.Equal(suite.T(), 0, ws.AvailableAmount())
	suite.close(ws)
}

// # Description
//
// Test OnAvailable reports the queue length when messages are queued.
func (suite *WebSocketIntegrationTestSuite) TestOnAvailable() {
	ws := newTestWebSocket(suite.T(), nil)
	available := make(chan int, 8)
	ws.OnAvailable(func(queued int) { available <- queued })
	suite.open(ws, suite.srvURL)
	_, err := ws.SendText("ping")
	require.NoError(suite.T(), err)
	select {
	case queued := <-available:
		require.GreaterOrEqual(suite.T(), queued, 1)
	case <-time.After(eventTimeout):
		suite.T().Fatal("timed out waiting for OnAvailable")
	}
	suite.close(ws)
}

// # Description
//
// Test an oversized Send is rejected without closing the session.
func (suite *WebSocketIntegrationTestSuite) TestOversizedSendRejected() {
	ws := newTestWebSocket(suite.T(), NewConfiguration().WithMaxMessageSize(16))
	suite.open(ws, suite.srvURL)
	admitted, err := ws.SendBinary(make([]byte, 17))
	require.ErrorIs(suite.T(), err, ErrMessageTooBig)
	require.False(suite.T(), admitted)
	require.True(suite.T(), ws.IsOpen())
	suite.close(ws)
}

// # Description
//
// Test Open is rejected while a session is already established.
func (suite *WebSocketIntegrationTestSuite) TestOpenRejectedWhenNotClosed() {
	ws := newTestWebSocket(suite.T(), nil)
	suite.open(ws, suite.srvURL)
	err := ws.Open(suite.srvURL)
	require.ErrorIs(suite.T(), err, ErrNotClosed)
	suite.close(ws)
}

// # Description
//
// Test a connection refused by the peer surfaces as an OnError with the TCP
// failure reason followed by OnClosed.
func (suite *WebSocketIntegrationTestSuite) TestConnectionRefused() {
	// Grab a free port and release it so the connection gets refused
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(suite.T(), err)
	addr := listener.Addr().String()
	require.NoError(suite.T(), listener.Close())
	ws := newTestWebSocket(suite.T(), nil)
	errors := make(chan string, 1)
	closed := make(chan struct{})
	opened := make(chan struct{})
	ws.OnError(func(reason string) { errors <- reason })
	ws.OnClosed(func() { close(closed) })
	ws.OnOpen(func() { close(opened) })
	require.NoError(suite.T(), ws.Open("ws://"+addr+"/"))
	select {
	case reason := <-errors:
		require.Equal(suite.T(), "TCP connection failed", reason)
	case <-time.After(eventTimeout):
		suite.T().Fatal("timed out waiting for OnError")
	}
	waitSignal(suite.T(), closed, "OnClosed")
	require.True(suite.T(), ws.IsClosed())
	select {
	case <-opened:
		suite.T().Fatal("OnOpen must not fire")
	default:
	}
}

// # Description
//
// Test Close during Connecting: the endpoint is opened against a listener
// which accepts the TCP connection but never completes the websocket
// handshake, then closed right away.
//
// Test will succeed if:
//   - OnOpen never fires.
//   - OnClosed fires exactly once.
func (suite *WebSocketIntegrationTestSuite) TestCloseDuringConnecting() {
	// Raw TCP listener which never answers the websocket handshake
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(suite.T(), err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	ws := newTestWebSocket(suite.T(), NewConfiguration().WithConnectionTimeoutMs(300))
	var closedCount int
	closed := make(chan struct{})
	opened := make(chan struct{})
	ws.OnClosed(func() {
		closedCount++
		close(closed)
	})
	ws.OnOpen(func() { close(opened) })
	require.NoError(suite.T(), ws.Open("ws://"+listener.Addr().String()+"/"))
	time.Sleep(10 * time.Millisecond)
	ws.Close()
	waitSignal(suite.T(), closed, "OnClosed")
	require.Equal(suite.T(), 1, closedCount)
	require.True(suite.T(), ws.IsClosed())
	select {
	case <-opened:
		suite.T().Fatal("OnOpen must not fire")
	default:
	}
}

// # Description
//
// Test the endpoint can be reopened after a full close.
func (suite *WebSocketIntegrationTestSuite) TestReopenAfterClose() {
	ws := newTestWebSocket(suite.T(), nil)
	suite.open(ws, suite.srvURL)
	suite.close(ws)
	// Callbacks were reset on teardown, rebind and reopen
	suite.open(ws, suite.srvURL)
	suite.close(ws)
}

/*************************************************************************************************/
/* TLS INTEGRATION TEST SUITE                                                                    */
/*************************************************************************************************/

// Test suite used to test wss sessions against a TLS echo websocket server
// with a self-signed certificate.
type WebSocketTLSIntegrationTestSuite struct {
	suite.Suite
	srv        *echowsserver.EchoWebsocketServer
	srvURL     string
	caCertFile string
}

// Run WebSocketTLSIntegrationTestSuite test suite
func TestWebSocketTLSIntegrationTestSuite(t *testing.T) {
	suite.Run(t, new(WebSocketTLSIntegrationTestSuite))
}

// WebSocketTLSIntegrationTestSuite - Before all tests
func (suite *WebSocketTLSIntegrationTestSuite) SetupSuite() {
	cert, certPem := generateSelfSignedCert(suite.T())
	caCertFile := filepath.Join(suite.T().TempDir(), "ca.pem")
	require.NoError(suite.T(), os.WriteFile(caCertFile, certPem, 0600))
	suite.caCertFile = caCertFile
	srv := echowsserver.NewEchoWebsocketServer("", &tls.Config{Certificates: []tls.Certificate{cert}}, nil)
	require.NoError(suite.T(), srv.Start())
	suite.srv = srv
	suite.srvURL = "wss://" + srv.Addr() + "/"
}

// WebSocketTLSIntegrationTestSuite - After all tests
func (suite *WebSocketTLSIntegrationTestSuite) TearDownSuite() {
	suite.srv.Stop()
}

// # Description
//
// Test a wss session opens and echoes when peer verification is disabled.
func (suite *WebSocketTLSIntegrationTestSuite) TestWssOpenWithVerificationDisabled() {
	ws := newTestWebSocket(suite.T(), NewConfiguration().WithDisableTLSVerification(true))
	echoed := make(chan transport.Message, 1)
	opened := make(chan struct{})
	closed := make(chan struct{})
	ws.OnMessage(func(message transport.Message) { echoed <- message })
	ws.OnOpen(func() { close(opened) })
	ws.OnClosed(func() { close(closed) })
	require.NoError(suite.T(), ws.Open(suite.srvURL))
	waitSignal(suite.T(), opened, "OnOpen")
	_, err := ws.SendText("secure hello")
	require.NoError(suite.T(), err)
	select {
	case message := <-echoed:
		require.Equal(suite.T(), "secure hello", string(message.Data))
	case <-time.After(eventTimeout):
		suite.T().Fatal("timed out waiting for echo")
	}
	ws.Close()
	waitSignal(suite.T(), closed, "OnClosed")
}

// # Description
//
// Test a wss session against a self-signed certificate fails when peer
// verification is enabled: OnError reports the TLS failure and the endpoint
// reaches Closed without ever opening.
func (suite *WebSocketTLSIntegrationTestSuite) TestWssVerificationFailure() {
	ws := newTestWebSocket(suite.T(), nil)
	errors := make(chan string, 1)
	closed := make(chan struct{})
	opened := make(chan struct{})
	ws.OnError(func(reason string) { errors <- reason })
	ws.OnClosed(func() { close(closed) })
	ws.OnOpen(func() { close(opened) })
	require.NoError(suite.T(), ws.Open(suite.srvURL))
	select {
	case reason := <-errors:
		require.Equal(suite.T(), "TLS connection failed", reason)
	case <-time.After(eventTimeout):
		suite.T().Fatal("timed out waiting for OnError")
	}
	waitSignal(suite.T(), closed, "OnClosed")
	require.True(suite.T(), ws.IsClosed())
	select {
	case <-opened:
		suite.T().Fatal("OnOpen must not fire")
	default:
	}
}

// # Description
//
// Test a wss session opens when the self-signed certificate is trusted
// through the configured CA certificate file.
func (suite *WebSocketTLSIntegrationTestSuite) TestWssVerifiedWithCAFile() {
	ws := newTestWebSocket(suite.T(), NewConfiguration().WithCACertificatePemFile(suite.caCertFile))
	opened := make(chan struct{})
	closed := make(chan struct{})
	ws.OnOpen(func() { close(opened) })
	ws.OnClosed(func() { close(closed) })
	require.NoError(suite.T(), ws.Open(suite.srvURL))
	waitSignal(suite.T(), opened, "OnOpen")
	require.True(suite.T(), ws.IsOpen())
	ws.Close()
	waitSignal(suite.T(), closed, "OnClosed")
}
