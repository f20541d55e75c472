package websocket

import (
	"github.com/go-playground/validator/v10"
)

// Default maximum size of an inbound or outbound message, in bytes.
const defaultMaxMessageSize = 65536

// Byte capacity of the receive queue.
const recvQueueLimit = 1024 * 1024

// Defines configuration options for a websocket endpoint.
//
// Use the factory function to get a new instance of the struct with nice
// defaults and then modify settings using With*** methods.
type Configuration struct {
	// If true, wss sessions do not validate the peer certificate. If false,
	// the peer certificate is validated against the system root store, or
	// against CACertificatePemFile when set.
	//
	// Defaults to false.
	DisableTLSVerification bool
	// Websocket subprotocols offered during the handshake, in preference
	// order.
	Protocols []string
	// Optional PEM file with root certificates used for peer verification
	// instead of the system store.
	CACertificatePemFile string
	// Optional client identity presented during the TLS handshake.
	CertificatePemFile string
	KeyPemFile         string
	// Optional passphrase of KeyPemFile.
	KeyPemPass string
	// Maximum delay (milliseconds) to establish the TCP connection and to
	// complete each of the TLS and websocket handshakes. 0 disables the
	// timeout.
	//
	// Defaults to 10000. Must be greater or equal to 0.
	ConnectionTimeoutMs int64 `validate:"gte=0"`
	// Interval (milliseconds) between keep-alive pings. 0 disables pinging.
	//
	// Defaults to 10000. Must be greater or equal to 0.
	PingIntervalMs int64 `validate:"gte=0"`
	// Number of unanswered pings after which the connection is considered
	// dead. 0 disables the check.
	//
	// Defaults to 2. Must be greater or equal to 0.
	MaxOutstandingPings int `validate:"gte=0"`
	// Optional HTTP proxy (host:port) the TCP connection is tunneled
	// through with a CONNECT request.
	ProxyServer string
	// Maximum size (bytes) of an inbound or outbound message. 0 means the
	// default of 65536.
	//
	// Defaults to 0. Must be greater or equal to 0.
	MaxMessageSize int `validate:"gte=0"`
}

// # Description
//
// Set cfg.DisableTLSVerification and return the modified object. The method
// does not validate inputs.
func (cfg *Configuration) WithDisableTLSVerification(value bool) *Configuration {
	cfg.DisableTLSVerification = value
	return cfg
}

// # Description
//
// Set cfg.Protocols and return the modified object. The method does not
// validate inputs.
func (cfg *Configuration) WithProtocols(value ...string) *Configuration {
	cfg.Protocols = value
	return cfg
}

// # Description
//
// Set the custom trust material and return the modified object. The method
// does not validate inputs.
func (cfg *Configuration) WithCACertificatePemFile(value string) *Configuration {
	cfg.CACertificatePemFile = value
	return cfg
}

// # Description
//
// Set the client identity material and return the modified object. The
// method does not validate inputs.
func (cfg *Configuration) WithClientCertificate(certPemFile string, keyPemFile string, keyPemPass string) *Configuration {
	cfg.CertificatePemFile = certPemFile
	cfg.KeyPemFile = keyPemFile
	cfg.KeyPemPass = keyPemPass
	return cfg
}

// # Description
//
// Set cfg.ConnectionTimeoutMs and return the modified object. The method
// does not validate inputs.
func (cfg *Configuration) WithConnectionTimeoutMs(value int64) *Configuration {
	cfg.ConnectionTimeoutMs = value
	return cfg
}

// # Description
//
// Set cfg.PingIntervalMs and return the modified object. The method does not
// validate inputs.
func (cfg *Configuration) WithPingIntervalMs(value int64) *Configuration {
	cfg.PingIntervalMs = value
	return cfg
}

// # Description
//
// Set cfg.MaxOutstandingPings and return the modified object. The method
// does not validate inputs.
func (cfg *Configuration) WithMaxOutstandingPings(value int) *Configuration {
	cfg.MaxOutstandingPings = value
	return cfg
}

// # Description
//
// Set cfg.ProxyServer and return the modified object. The method does not
// validate inputs.
func (cfg *Configuration) WithProxyServer(value string) *Configuration {
	cfg.ProxyServer = value
	return cfg
}

// # Description
//
// Set cfg.MaxMessageSize and return the modified object. The method does not
// validate inputs.
func (cfg *Configuration) WithMaxMessageSize(value int) *Configuration {
	cfg.MaxMessageSize = value
	return cfg
}

// # Description
//
// Factory which creates a new Configuration object with nice defaults.
// Settings can then be modified by the user by using With*** methods.
//
// # Default settings
//
//   - DisableTLSVerification = false , wss sessions validate the peer
//     certificate.
//   - ConnectionTimeoutMs = 10000.
//   - PingIntervalMs = 10000.
//   - MaxOutstandingPings = 2.
//   - MaxMessageSize = 0 , the default limit of 65536 bytes applies.
func NewConfiguration() *Configuration {
	return &Configuration{
		DisableTLSVerification: false,
		ConnectionTimeoutMs:    10000,
		PingIntervalMs:         10000,
		MaxOutstandingPings:    2,
		MaxMessageSize:         0,
	}
}

// # Description
//
// Helper function which validates a Configuration.
//
// # Returns
//
// Nil when the configuration is valid, ValidationErrors otherwise. You will
// need to assert the error if it's not nil eg. err.(validator.ValidationErrors)
// to access the array of errors.
func Validate(cfg *Configuration) error {
	return validator.New().Struct(cfg)
}
