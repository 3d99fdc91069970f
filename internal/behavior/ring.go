package behavior

import "math"

// ring is a fixed-capacity buffer of the most recent inter-request intervals.
type ring struct {
	values []float64
	next   int
	filled int
}

func newRing(capacity int) *ring {
	if capacity < 2 {
		capacity = 2
	}
	return &ring{values: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	r.values[r.next] = v
	r.next = (r.next + 1) % len(r.values)
	if r.filled < len(r.values) {
		r.filled++
	}
}

// stats returns the mean, population standard deviation and sample count.
func (r *ring) stats() (mean, stddev float64, n int) {
	n = r.filled
	if n == 0 {
		return 0, 0, 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += r.values[i]
	}
	mean = sum / float64(n)

	variance := 0.0
	for i := 0; i < n; i++ {
		d := r.values[i] - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(n)), n
}
