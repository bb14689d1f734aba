package features

import (
	"sort"
	"time"
)

// BurstWindow is the adjacency window: two consecutive events closer than
// this count as one burst step.
const BurstWindow = time.Hour

// gapSeconds returns consecutive gaps of sorted instants in seconds.
func gapSeconds(sorted []time.Time) []float64 {
	if len(sorted) < 2 {
		return nil
	}
	gaps := make([]float64, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps[i-1] = sorted[i].Sub(sorted[i-1]).Seconds()
	}
	return gaps
}

// burstCount counts consecutive gaps under BurstWindow. Equal instants have
// a zero gap and count.
func burstCount(sorted []time.Time) int {
	n := 0
	for _, g := range gapSeconds(sorted) {
		if g < BurstWindow.Seconds() {
			n++
		}
	}
	return n
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func minimum(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
