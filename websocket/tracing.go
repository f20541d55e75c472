package websocket

/*************************************************************************************************/
/* TRACING RELATED CONSTANTS                                                                     */
/*************************************************************************************************/

// Constants used for tracing purpose.
const (
	// Package name used by library tracer
	pkgName = "websocket"
	// Package version
	pkgVersion = "0.0.0"

	// Namespace used by spans, events and attributes
	namespace = "websocket"
	// Sub-namespace used by spans related to transport initialization
	transportNamespace = namespace + ".transport"

	// Name of span used to trace Open public method
	spanOpen = namespace + ".open"
	// Name of span used to trace Close public method
	spanClose = namespace + ".close"
	// Name of span used to trace Send public method
	spanSend = namespace + ".send"
	// Name of span used to trace TCP transport initialization
	spanInitTcp = transportNamespace + ".init_tcp"
	// Name of span used to trace TLS transport initialization
	spanInitTls = transportNamespace + ".init_tls"
	// Name of span used to trace websocket transport initialization
	spanInitWs = transportNamespace + ".init_ws"

	// Event used in span to signal the endpoint state changed
	eventStateChanged = namespace + ".state_changed"
	// Event used in span to signal the transports have been handed to the
	// teardown worker
	eventTeardown = namespace + ".teardown"

	// Attribute used to indicate the target URL
	attrURL = namespace + ".url"
	// Attribute used to indicate the URL scheme
	attrScheme = namespace + ".scheme"
	// Attribute used to indicate the Host header value
	attrHost = namespace + ".host"
	// Attribute used to indicate the connection id
	attrConnectionId = namespace + ".connection_id"
	// Attribute used to indicate the endpoint state
	attrState = namespace + ".state"
	// Attribute used to indicate the message size
	attrMessageSize = namespace + ".message_size"
)
