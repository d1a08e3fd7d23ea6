package activity

import "math"

// Running accumulates count, mean and variance of a stream in one pass using
// Welford's algorithm. The zero value is ready to use.
type Running struct {
	n    int
	mean float64
	m2   float64
}

// Add folds x into the statistics.
func (r *Running) Add(x float64) {
	r.n++
	d := x - r.mean
	r.mean += d / float64(r.n)
	r.m2 += d * (x - r.mean)
}

// Count returns the number of values added.
func (r *Running) Count() int { return r.n }

// Mean returns the arithmetic mean, or 0 when empty.
func (r *Running) Mean() float64 { return r.mean }

// Variance returns the population variance, or 0 with fewer than two values.
func (r *Running) Variance() float64 {
	if r.n < 2 {
		return 0
	}
	return r.m2 / float64(r.n)
}

// Std returns the population standard deviation.
func (r *Running) Std() float64 {
	return math.Sqrt(r.Variance())
}
