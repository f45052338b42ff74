package insights

import (
	"math"
	"time"
)

// Percentile returns the p-quantile (p in [0,1]) of an ascending-sorted
// slice using linear interpolation between order statistics. Returns nil
// for an empty slice; p<=0 yields the minimum, p>=1 the maximum.
func Percentile(sorted []float64, p float64) *float64 {
	if len(sorted) == 0 {
		return nil
	}
	if p <= 0 {
		v := sorted[0]
		return &v
	}
	if p >= 1 {
		v := sorted[len(sorted)-1]
		return &v
	}
	k := float64(len(sorted)-1) * p
	lo := int(math.Floor(k))
	hi := lo + 1
	if hi > len(sorted)-1 {
		hi = len(sorted) - 1
	}
	weight := k - float64(lo)
	v := sorted[lo] + (sorted[hi]-sorted[lo])*weight
	return &v
}

// floorToBucket floors a timestamp to the containing bucket start,
// anchored to the UTC epoch.
func floorToBucket(t time.Time, bucketSeconds int) time.Time {
	sec := t.Unix()
	floored := sec - (sec % int64(bucketSeconds))
	return time.Unix(floored, 0).UTC()
}

func mean(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	m := sum / float64(len(values))
	return &m
}
