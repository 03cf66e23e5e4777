package telemetry

// RingBuffer is a fixed-capacity FIFO. Once full, each Push overwrites the
// oldest element. It is not safe for concurrent use; Store guards it.
type RingBuffer[T any] struct {
	data []T
	next int // next write position
	size int
}

// NewRingBuffer returns a buffer holding at most capacity items.
// A non-positive capacity falls back to DefaultLogCapacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &RingBuffer[T]{data: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when the buffer is full.
func (rb *RingBuffer[T]) Push(v T) {
	rb.data[rb.next] = v
	rb.next = (rb.next + 1) % len(rb.data)
	if rb.size < len(rb.data) {
		rb.size++
	}
}

// Items returns a copy of the buffered items, oldest first.
func (rb *RingBuffer[T]) Items() []T {
	out := make([]T, rb.size)
	start := (rb.next - rb.size + len(rb.data)) % len(rb.data)
	for i := 0; i < rb.size; i++ {
		out[i] = rb.data[(start+i)%len(rb.data)]
	}
	return out
}

func (rb *RingBuffer[T]) Len() int { return rb.size }

func (rb *RingBuffer[T]) Cap() int { return len(rb.data) }
