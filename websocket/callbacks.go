package websocket

import (
	"sync"

	"github.com/telegie/libdatachannel/websocket/transport"
)

// callbacks holds the user-provided event callbacks behind a lock so that
// they can be swapped and reset while transport goroutines fire them. Once
// reset, late invocations from transports that are still winding down become
// no-ops.
type callbacks struct {
	mu          sync.RWMutex
	onOpen      func()
	onMessage   func(message transport.Message)
	onError     func(reason string)
	onClosed    func()
	onAvailable func(queued int)
}

func (c *callbacks) setOnOpen(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = cb
}

func (c *callbacks) setOnMessage(cb func(message transport.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = cb
}

func (c *callbacks) setOnError(cb func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = cb
}

func (c *callbacks) setOnClosed(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = cb
}

func (c *callbacks) setOnAvailable(cb func(queued int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAvailable = cb
}

// reset drops all callbacks so that no further user callbacks fire.
func (c *callbacks) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = nil
	c.onMessage = nil
	c.onError = nil
	c.onClosed = nil
	c.onAvailable = nil
}

func (c *callbacks) triggerOpen() {
	c.mu.RLock()
	cb := c.onOpen
	c.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *callbacks) triggerMessage(message transport.Message) {
	c.mu.RLock()
	cb := c.onMessage
	c.mu.RUnlock()
	if cb != nil {
		cb(message)
	}
}

// hasMessageCallback reports whether an onMessage callback is installed.
func (c *callbacks) hasMessageCallback() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onMessage != nil
}

func (c *callbacks) triggerError(reason string) {
	c.mu.RLock()
	cb := c.onError
	c.mu.RUnlock()
	if cb != nil {
		cb(reason)
	}
}

func (c *callbacks) triggerClosed() {
	c.mu.RLock()
	cb := c.onClosed
	c.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *callbacks) triggerAvailable(queued int) {
	c.mu.RLock()
	cb := c.onAvailable
	c.mu.RUnlock()
	if cb != nil {
		cb(queued)
	}
}
