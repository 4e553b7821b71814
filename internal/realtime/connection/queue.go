package connection

import (
	"sync"

	"ridelink/internal/general/contracts"
)

// outboundQueue buffers messages produced while the channel is down.
//
// The queue is unbounded but monitored (Len is surfaced through Info) and
// strictly FIFO: a message produced while offline never overtakes one
// produced before it. It is the only mutable resource shared between the
// synchronous Send caller and the drain-on-reconnect path, so a single
// mutex is enough.
type outboundQueue struct {
	mu       sync.Mutex
	messages []contracts.ChannelMessage
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{messages: make([]contracts.ChannelMessage, 0, 16)}
}

// Push appends a message to the back of the queue.
func (q *outboundQueue) Push(msg contracts.ChannelMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
}

// PushFront returns a message to the head of the queue after a failed
// transmit, preserving submission order for the next drain.
func (q *outboundQueue) PushFront(msg contracts.ChannelMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append([]contracts.ChannelMessage{msg}, q.messages...)
}

// Pop removes and returns the front message.
func (q *outboundQueue) Pop() (contracts.ChannelMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return contracts.ChannelMessage{}, false
	}

	msg := q.messages[0]
	// zero the slot so the backing array does not retain payload bytes
	q.messages[0] = contracts.ChannelMessage{}
	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}
	return msg, true
}

// Len returns the current queue depth.
func (q *outboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
