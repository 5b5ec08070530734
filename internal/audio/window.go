package audio

// DefaultWindowLength is the number of blocks resubmitted to the recognizer.
const DefaultWindowLength = 20

// Window keeps the most recent blocks in arrival order. A push at capacity
// evicts the oldest block before the new one is appended, so a snapshot never
// holds more than Cap blocks. Window is not safe for concurrent use.
type Window struct {
	blocks   [][]byte
	capacity int
}

// NewWindow returns an empty window. A capacity below one is treated as one.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		blocks:   make([][]byte, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a copy of block.
func (w *Window) Push(block []byte) {
	data := make([]byte, len(block))
	copy(data, block)

	if len(w.blocks) == w.capacity {
		w.blocks[0] = nil
		w.blocks = append(w.blocks[:0], w.blocks[1:]...)
	}
	w.blocks = append(w.blocks, data)
}

// Snapshot returns the concatenation of the retained blocks, oldest first.
// The returned slice is owned by the caller.
func (w *Window) Snapshot() []byte {
	size := 0
	for _, b := range w.blocks {
		size += len(b)
	}
	out := make([]byte, 0, size)
	for _, b := range w.blocks {
		out = append(out, b...)
	}
	return out
}

// Len returns the number of retained blocks.
func (w *Window) Len() int { return len(w.blocks) }

// Cap returns the configured capacity in blocks.
func (w *Window) Cap() int { return w.capacity }
