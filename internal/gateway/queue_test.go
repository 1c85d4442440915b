package gateway

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMessageQueueRetriesThenSucceeds(t *testing.T) {
	var calls int32
	done := make(chan struct{})

	q := NewMessageQueue(func(frame []byte) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return errors.New("transient failure")
		}
		close(done)
		return nil
	})

	q.Enqueue([]byte("frame-1"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for queue to drain after retries")
	}

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("process called %d times, want 3", got)
	}
}

func TestMessageQueueDropsAfterMaxRetries(t *testing.T) {
	var calls int32
	q := NewMessageQueue(func(frame []byte) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("permanent failure")
	})

	q.Enqueue([]byte("frame-1"))

	time.Sleep(4 * time.Second)

	if got := atomic.LoadInt32(&calls); got != maxQueueRetries {
		t.Fatalf("process called %d times for dropped frame, want %d", got, maxQueueRetries)
	}
}

func TestMessageQueueClearDiscardsPending(t *testing.T) {
	blocked := make(chan struct{})
	q := NewMessageQueue(func(frame []byte) error {
		<-blocked
		return nil
	})

	q.Enqueue([]byte("frame-1"))
	q.Enqueue([]byte("frame-2"))
	q.Clear()
	close(blocked)

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) != 0 {
		t.Fatalf("expected items discarded after Clear, got %d", len(q.items))
	}
	if !q.stopped {
		t.Fatal("expected queue to be stopped after Clear")
	}
}
