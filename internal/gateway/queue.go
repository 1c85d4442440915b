package gateway

import (
	"sync"
	"time"
)

const maxQueueRetries = 3

// queueItem is one enqueued WS frame awaiting delivery to a peer.
type queueItem struct {
	frame    []byte
	attempts int
}

// MessageQueue is a per-WsSession FIFO with a single in-flight drain,
// per §3/§4.5. process is invoked once per item, possibly several
// times across retries, with a backoff of attempts*1s between tries.
type MessageQueue struct {
	process func(frame []byte) error

	mu       sync.Mutex
	items    []queueItem
	draining bool
	stopped  bool
}

// NewMessageQueue creates a queue that calls process for each drained
// frame.
func NewMessageQueue(process func(frame []byte) error) *MessageQueue {
	return &MessageQueue{process: process}
}

// Enqueue appends frame and starts draining if not already in progress.
func (q *MessageQueue) Enqueue(frame []byte) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, queueItem{frame: frame})
	alreadyDraining := q.draining
	if !alreadyDraining {
		q.draining = true
	}
	q.mu.Unlock()

	if !alreadyDraining {
		go q.drain()
	}
}

// Clear stops future draining and discards queued items, called when
// the owning WS client disconnects.
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.items = nil
}

func (q *MessageQueue) drain() {
	for {
		q.mu.Lock()
		if q.stopped || len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.mu.Unlock()

		err := q.process(item.frame)
		if err == nil {
			q.mu.Lock()
			if len(q.items) > 0 {
				q.items = q.items[1:]
			}
			q.mu.Unlock()
			continue
		}

		q.mu.Lock()
		item.attempts++
		if q.stopped {
			q.mu.Unlock()
			return
		}
		if item.attempts >= maxQueueRetries {
			if len(q.items) > 0 {
				q.items = q.items[1:]
			}
			q.mu.Unlock()
			continue
		}
		q.items[0] = item
		q.mu.Unlock()

		time.Sleep(time.Duration(item.attempts) * time.Second)
	}
}
