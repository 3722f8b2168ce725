package detection

// ring is a fixed-capacity circular buffer that overwrites its oldest element
// when full. It is not safe for concurrent use; owners lock around it.
type ring[T any] struct {
	buf   []T
	head  int // oldest element
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(item T) {
	capacity := len(r.buf)
	if r.count < capacity {
		r.buf[(r.head+r.count)%capacity] = item
		r.count++
		return
	}
	r.buf[r.head] = item
	r.head = (r.head + 1) % capacity
}

// at returns the i-th element in insertion order, 0 being the oldest.
func (r *ring[T]) at(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *ring[T]) len() int { return r.count }

func (r *ring[T]) cap() int { return len(r.buf) }

// slice copies the contents, oldest first.
func (r *ring[T]) slice() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.at(i)
	}
	return out
}
