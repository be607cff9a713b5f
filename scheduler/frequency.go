// Package scheduler estimates how often feeds publish and drives the periodic update cycle.
package scheduler

import (
	"slices"
	"time"
)

const (
	// DefaultFrequency is used for feeds with too little history to estimate
	DefaultFrequency = 7 * 24 * time.Hour

	// MinimumFrequency replaces an estimate of zero
	MinimumFrequency = time.Hour
)

// ComputeFrequency estimates the average interval in milliseconds between
// publications from a set of epoch millisecond timestamps. Order and
// duplicates in the input do not matter. Non-positive timestamps are ignored.
func ComputeFrequency(publishedTimes []int64) int64 {
	times := make([]int64, 0, len(publishedTimes))
	for _, t := range publishedTimes {
		if t > 0 {
			times = append(times, t)
		}
	}

	if len(times) < 2 {
		return DefaultFrequency.Milliseconds()
	}

	slices.Sort(times)

	// Zero deltas come from items published in the same instant
	var sum, count int64
	for i := 1; i < len(times); i++ {
		delta := times[i] - times[i-1]
		if delta == 0 {
			continue
		}
		sum += delta
		count++
	}

	var avg int64
	if count > 0 {
		avg = (sum + count/2) / count
	}

	if avg == 0 {
		return MinimumFrequency.Milliseconds()
	}

	return avg
}
