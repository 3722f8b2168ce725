package detection

import (
	"iter"
	"sort"
	"time"
)

// BufferCapacity sizes a buffer to hold one time window of samples plus slack.
func BufferCapacity(window, sampleInterval time.Duration, slack int) int {
	if sampleInterval <= 0 {
		sampleInterval = time.Minute
	}
	n := int(window / sampleInterval)
	if window%sampleInterval != 0 {
		n++
	}
	if slack < 0 {
		slack = 0
	}
	if n+slack < 1 {
		return 1
	}
	return n + slack
}

// Buffer holds the most recent price observations of a single feed.
type Buffer struct {
	r *ring[PriceObservation]
}

// NewBuffer creates a buffer with the given fixed capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{r: newRing[PriceObservation](capacity)}
}

// Push records an observation, evicting the oldest one when full.
func (b *Buffer) Push(obs PriceObservation) {
	b.r.push(obs)
}

// PushMany records observations in the order given.
func (b *Buffer) PushMany(obs ...PriceObservation) {
	for _, o := range obs {
		b.r.push(o)
	}
}

// Len reports how many observations are buffered.
func (b *Buffer) Len() int { return b.r.len() }

// Cap reports the fixed capacity.
func (b *Buffer) Cap() int { return b.r.cap() }

// AllSorted returns a copy of the buffered observations ascending by time.
func (b *Buffer) AllSorted() []PriceObservation {
	out := b.r.slice()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ItemsSince yields buffered observations strictly newer than cutoff, in
// insertion order. The sequence can be ranged over more than once.
func (b *Buffer) ItemsSince(cutoff time.Time) iter.Seq[PriceObservation] {
	return func(yield func(PriceObservation) bool) {
		for i := 0; i < b.r.len(); i++ {
			obs := b.r.at(i)
			if !obs.Timestamp.After(cutoff) {
				continue
			}
			if !yield(obs) {
				return
			}
		}
	}
}

// Recent returns up to n of the most recently pushed observations, oldest first.
func (b *Buffer) Recent(n int) []PriceObservation {
	count := b.r.len()
	if n > count {
		n = count
	}
	if n <= 0 {
		return nil
	}
	out := make([]PriceObservation, 0, n)
	for i := count - n; i < count; i++ {
		out = append(out, b.r.at(i))
	}
	return out
}

// Newest returns the most recently pushed observation.
func (b *Buffer) Newest() (PriceObservation, bool) {
	if b.r.len() == 0 {
		return PriceObservation{}, false
	}
	return b.r.at(b.r.len() - 1), true
}

func (b *Buffer) prices() []float64 {
	out := make([]float64, b.r.len())
	for i := range out {
		out[i] = b.r.at(i).Price
	}
	return out
}
