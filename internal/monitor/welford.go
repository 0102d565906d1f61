package monitor

import (
	"math"
	"sort"
)

// Epsilon is the smallest standard deviation treated as non-flat.
const Epsilon = 1e-9

// welford accumulates mean and M2 in a single numerically stable pass.
type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	delta2 := x - w.mean
	w.m2 += delta * delta2
}

// stddev is the sample standard deviation (n-1 denominator); 0 below two samples.
func (w *welford) stddev() float64 {
	if w.count < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count-1))
}

// MeanStdDev returns the mean and sample standard deviation of values.
func MeanStdDev(values []float64) (float64, float64) {
	var w welford
	for _, v := range values {
		w.add(v)
	}
	return w.mean, w.stddev()
}

// Median returns the median of values, or 0 for an empty slice. values is not modified.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// ZScore is (value-mean)/stddev, or 0 when the baseline is flat or has fewer than two samples.
func ZScore(value float64, values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean, std := MeanStdDev(values)
	if std < Epsilon {
		return 0
	}
	return (value - mean) / std
}
