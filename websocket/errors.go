package websocket

import (
	"errors"
	"fmt"
)

// Errors returned synchronously by the endpoint operations.
var (
	// Returned by Open when the endpoint is not in the Closed state.
	ErrNotClosed = errors.New("websocket must be closed before opening")
	// Returned by Send before the endpoint is open or after it closed.
	ErrNotOpen = errors.New("websocket is not open")
	// Returned by Send when the payload exceeds MaxMessageSize.
	ErrMessageTooBig = errors.New("message size exceeds limit")
	// Returned by a transport builder losing the race against Close.
	ErrConnectionClosed = errors.New("connection is closed")
)

/*************************************************************************************************/
/* INVALID URL ERROR                                                                             */
/*************************************************************************************************/

// Error returned by Open when the provided URL is not a valid websocket URL.
type InvalidURLError struct {
	// Rejected URL.
	URL string
	// Why the URL was rejected.
	Reason string
}

func (err *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid WebSocket URL: %s: %s", err.URL, err.Reason)
}

/*************************************************************************************************/
/* TRANSPORT INIT ERROR                                                                          */
/*************************************************************************************************/

// Specific error type for errors which occur while a transport layer is
// being initialized.
type TransportInitError struct {
	// Layer which failed to initialize: "TCP", "TLS" or "WebSocket".
	Layer string
	// Embedded error
	Err error
}

func (err *TransportInitError) Error() string {
	return fmt.Sprintf("%s transport initialization failed: %v", err.Layer, err.Err)
}

func (err *TransportInitError) Unwrap() error {
	return err.Err
}
