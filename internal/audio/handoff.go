package audio

import (
	"context"
	"sync"
)

// handoff moves blocks from the capture goroutine to the pipeline. put never
// blocks, so a slow recognizer cannot stall the device read loop.
type handoff struct {
	mu     sync.Mutex
	items  []Block
	signal chan struct{}
	closed bool
	cause  error
}

func newHandoff() *handoff {
	return &handoff{signal: make(chan struct{}, 1)}
}

func (h *handoff) put(b Block) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.items = append(h.items, b)
	h.mu.Unlock()
	h.notify()
}

// close stops the queue. Blocks already queued are still delivered before
// next reports cause.
func (h *handoff) close(cause error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.cause = cause
	h.mu.Unlock()
	h.notify()
}

func (h *handoff) notify() {
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

func (h *handoff) pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

func (h *handoff) next(ctx context.Context) (Block, error) {
	for {
		h.mu.Lock()
		if len(h.items) > 0 {
			b := h.items[0]
			h.items[0] = Block{}
			h.items = h.items[1:]
			h.mu.Unlock()
			return b, nil
		}
		if h.closed {
			cause := h.cause
			h.mu.Unlock()
			return Block{}, cause
		}
		h.mu.Unlock()

		select {
		case <-h.signal:
		case <-ctx.Done():
			return Block{}, ctx.Err()
		}
	}
}
