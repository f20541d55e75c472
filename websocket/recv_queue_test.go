package websocket

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/telegie/libdatachannel/websocket/transport"
)

func newTestQueue(limit int) *recvQueue {
	return newRecvQueue(limit, func(message *transport.Message) int {
		return message.Size()
	})
}

func textMessage(text string) *transport.Message {
	return &transport.Message{Type: transport.String, Data: []byte(text)}
}

// # Description
//
// Test queue push/pop ordering and byte accounting. Test will succeed if
// messages come out in insertion order and if size and amount track the
// queue content exactly.
func TestRecvQueuePushPopAccounting(t *testing.T) {
	q := newTestQueue(1024)
	require.Equal(t, 0, q.size())
	require.Equal(t, 0, q.amount())
	q.push(textMessage("one"))
	q.push(textMessage("twotwo"))
	require.Equal(t, 2, q.size())
	require.Equal(t, 9, q.amount())
	msg, ok := q.tryPop()
	require.True(t, ok)
	require.Equal(t, "one", string(msg.Data))
	require.Equal(t, 1, q.size())
	require.Equal(t, 6, q.amount())
	msg, ok = q.tryPop()
	require.True(t, ok)
	require.Equal(t, "twotwo", string(msg.Data))
	require.Equal(t, 0, q.size())
	require.Equal(t, 0, q.amount())
	_, ok = q.tryPop()
	require.False(t, ok)
}

// # Description
//
// Test peek does not remove the head nor change the byte total.
func TestRecvQueuePeek(t *testing.T) {
	q := newTestQueue(1024)
	_, ok := q.peek()
	require.False(t, ok)
	q.push(textMessage("head"))
	q.push(textMessage("tail"))
	msg, ok := q.peek()
	require.True(t, ok)
	require.Equal(t, "head", string(msg.Data))
	require.Equal(t, 2, q.size())
	require.Equal(t, 8, q.amount())
}

// # Description
//
// Test the overflow policy: when a push would exceed the byte limit, the
// oldest entries are dropped until the new entry fits.
func TestRecvQueueOverflowDropsOldest(t *testing.T) {
	q := newTestQueue(10)
	q.push(textMessage("aaaa"))
	q.push(textMessage("bbbb"))
	// 8 bytes queued, pushing 4 more exceeds the limit: "aaaa" is dropped
	q.push(textMessage("cccc"))
	require.Equal(t, 2, q.size())
	require.Equal(t, 8, q.amount())
	msg, ok := q.tryPop()
	require.True(t, ok)
	require.Equal(t, "bbbb", string(msg.Data))
	msg, ok = q.tryPop()
	require.True(t, ok)
	require.Equal(t, "cccc", string(msg.Data))
}

// # Description
//
// Test that an entry larger than every queued entry drops them all but is
// still queued itself.
func TestRecvQueueOverflowLargeEntry(t *testing.T) {
	q := newTestQueue(10)
	q.push(textMessage("aaaa"))
	q.push(textMessage("bbbb"))
	q.push(textMessage("cccccccccc"))
	require.Equal(t, 1, q.size())
	msg, ok := q.tryPop()
	require.True(t, ok)
	require.Equal(t, "cccccccccc", string(msg.Data))
}
