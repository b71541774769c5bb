package anomaly

import (
	"math"
	"sort"
)

// window is a fixed-capacity ring of recent accepted values.
type window struct {
	values []float64
	next   int
	full   bool
}

func newWindow(size int) *window {
	return &window{values: make([]float64, size)}
}

func (w *window) push(v float64) {
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) slice() []float64 {
	if w.full {
		return append([]float64(nil), w.values...)
	}
	return append([]float64(nil), w.values[:w.next]...)
}

// meanStd returns the population mean and standard deviation.
func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += math.Pow(v-mean, 2)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// medianAbsDeviation returns the median and the median absolute deviation.
func medianAbsDeviation(values []float64) (float64, float64) {
	med := median(values)
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - med)
	}
	return med, median(deviations)
}

// spreadFloor keeps a flat series from turning noise-level changes into huge scores.
func spreadFloor(spread, center float64) float64 {
	floor := math.Max(0.01, 0.01*math.Abs(center))
	if spread < floor {
		return floor
	}
	return spread
}

// bucket accumulates running mean/variance with Welford's method.
type bucket struct {
	n    int
	mean float64
	m2   float64
}

func (b *bucket) add(v float64) {
	b.n++
	delta := v - b.mean
	b.mean += delta / float64(b.n)
	b.m2 += delta * (v - b.mean)
}

func (b *bucket) std() float64 {
	if b.n < 2 {
		return 0
	}
	return math.Sqrt(b.m2 / float64(b.n))
}
