package runner

import (
	"context"
	"errors"
	"sync"
)

// Stream buffer states. Messages added before the consumer attaches are held
// in buffering; draining hands them over in order; completed rejects input.
const (
	streamBuffering = "buffering"
	streamDraining  = "draining"
	streamCompleted = "completed"
)

var errStreamCompleted = errors.New("stream already completed")

// streamBuffer decouples prompt arrival from runner consumption. Producers
// call add at any time; the single consumer calls next, which blocks until a
// message arrives or the stream completes.
type streamBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	state   string
	pending []string
}

func newStreamBuffer() *streamBuffer {
	b := &streamBuffer{state: streamBuffering}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *streamBuffer) add(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == streamCompleted {
		return errStreamCompleted
	}
	b.pending = append(b.pending, text)
	b.cond.Broadcast()
	return nil
}

// next returns the oldest buffered message, blocking until one exists. The
// second return is false once the stream has completed and drained.
func (b *streamBuffer) next(ctx context.Context) (string, bool) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.cond.Broadcast()
		case <-done:
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = streamDraining
	for {
		if len(b.pending) > 0 {
			msg := b.pending[0]
			b.pending = b.pending[1:]
			return msg, true
		}
		if b.state == streamCompleted || ctx.Err() != nil {
			return "", false
		}
		b.cond.Wait()
	}
}

// completeIfIdle completes the stream only when no input is queued; with
// messages still pending the runner keeps reading.
func (b *streamBuffer) completeIfIdle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) > 0 {
		return false
	}
	if b.state != streamCompleted {
		b.state = streamCompleted
		b.cond.Broadcast()
	}
	return true
}

func (b *streamBuffer) complete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != streamCompleted {
		b.state = streamCompleted
		b.cond.Broadcast()
	}
}
