package ws

import "sync"

// History is the bounded in-memory ring of recent chat frames. Appends are
// O(1); the oldest entry is evicted when full. One writer (the broadcast
// path) plus concurrent readers, guarded by a mutex.
type History struct {
	mu    sync.Mutex
	buf   []Frame
	head  int // index of the oldest entry
	count int
}

func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]Frame, capacity)}
}

// Append adds a frame, evicting the oldest when the ring is full.
func (h *History) Append(f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tail := (h.head + h.count) % len(h.buf)
	h.buf[tail] = f
	if h.count == len(h.buf) {
		h.head = (h.head + 1) % len(h.buf)
	} else {
		h.count++
	}
}

// Len returns the number of retained frames.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Snapshot returns the retained frames, oldest first.
func (h *History) Snapshot() []Frame {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Frame, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.head+i)%len(h.buf)]
	}
	return out
}

// SinceID returns the frames strictly newer than the given message id,
// oldest first. If the id is not in the retained window, it returns nil:
// replaying an unknown suffix could deliver messages out of order.
func (h *History) SinceID(messageID string) []Frame {
	if messageID == "" {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.count; i++ {
		if h.buf[(h.head+i)%len(h.buf)].MessageID == messageID {
			out := make([]Frame, 0, h.count-i-1)
			for j := i + 1; j < h.count; j++ {
				out = append(out, h.buf[(h.head+j)%len(h.buf)])
			}
			return out
		}
	}
	return nil
}
