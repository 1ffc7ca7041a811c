// Package chunkqueue bridges push-cadence frame arrival and the
// pull-cadence consumption of a streaming transcription call.
package chunkqueue

import (
	"context"
	"io"
	"sync"
)

// Queue is a FIFO of byte chunks with a closed flag. Enqueue never
// blocks; the single consumer parks in Next until a chunk arrives or
// the queue closes.
type Queue struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
	wake   chan struct{}
}

func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue appends a chunk. It is a no-op once the queue is closed.
func (q *Queue) Enqueue(chunk []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.chunks = append(q.chunks, chunk)
	q.mu.Unlock()
	q.signal()
}

// Close marks end-of-sequence and releases a parked consumer. Closing
// twice is harmless.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Next returns the oldest buffered chunk, parking until one arrives.
// After the queue is closed and drained it returns io.EOF. Exactly one
// concurrent consumer is supported.
func (q *Queue) Next(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.chunks) > 0 {
			chunk := q.chunks[0]
			q.chunks = q.chunks[1:]
			q.mu.Unlock()
			return chunk, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
