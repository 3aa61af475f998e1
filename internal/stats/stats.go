package stats

import (
	"math"
	"sort"
)

// Sample holds one repeated measurement of a single URL
type Sample struct {
	DelayMS   float64
	SpeedMBps float64
	// SmoothedMBps is the moving average of per-read throughput
	SmoothedMBps float64
	DNSLookupMS  float64
	TCPConnectMS float64
	TLSMS        float64
	TTFBMS       float64
}

// Outlier represents a sample identified as an outlier
type Outlier struct {
	Index     int
	Value     float64
	Deviation float64
}

// Stats holds computed statistics for a set of samples
type Stats struct {
	Mean   float64
	Median float64
	Min    float64
	Max    float64
	StdDev float64
}

// ComputeStats calculates statistics for a slice of values
func ComputeStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	if len(values) == 1 {
		return Stats{
			Mean:   values[0],
			Median: values[0],
			Min:    values[0],
			Max:    values[0],
		}
	}

	sorted := sortedCopy(values)
	mean := Mean(values)

	return Stats{
		Mean:   mean,
		Median: computeMedian(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		StdDev: computeStdDev(values, mean),
	}
}

// Mean calculates the arithmetic mean, 0 for an empty slice
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64

	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// computeMedian calculates the median of a sorted slice
func computeMedian(sorted []float64) float64 {
	n := len(sorted)

	if n == 0 {
		return 0
	}

	if n%2 == 1 {
		return sorted[n/2]
	}

	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// computeStdDev calculates the sample standard deviation
func computeStdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}

	var sumSquares float64

	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}

	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// DetectOutliers identifies outliers using the IQR method
func DetectOutliers(values []float64) []Outlier {
	if len(values) < 4 {
		return nil
	}

	sorted := sortedCopy(values)

	q1 := computeQuartile(sorted, 0.25)
	q3 := computeQuartile(sorted, 0.75)
	iqr := q3 - q1

	lowerBound := q1 - iqr*1.5
	upperBound := q3 + iqr*1.5

	mean := Mean(values)

	var outliers []Outlier

	for i, v := range values {
		if v < lowerBound || v > upperBound {
			var deviation float64

			if mean != 0 {
				deviation = (v - mean) / mean * 100
			}

			outliers = append(outliers, Outlier{
				Index:     i,
				Value:     v,
				Deviation: deviation,
			})
		}
	}

	return outliers
}

// computeQuartile calculates the quartile value at the given percentile
func computeQuartile(sorted []float64, percentile float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	index := percentile * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return sorted[lower]
	}

	weight := index - float64(lower)

	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// ExcludeOutliers returns a new slice with outlier values removed
func ExcludeOutliers(values []float64, outliers []Outlier) []float64 {
	if len(outliers) == 0 {
		return values
	}

	outlierIndices := make(map[int]bool)

	for _, o := range outliers {
		outlierIndices[o.Index] = true
	}

	var filtered []float64

	for i, v := range values {
		if !outlierIndices[i] {
			filtered = append(filtered, v)
		}
	}

	return filtered
}

// Extract pulls one field out of every sample
func Extract(samples []Sample, field func(Sample) float64) []float64 {
	values := make([]float64, len(samples))

	for i, s := range samples {
		values[i] = field(s)
	}

	return values
}

func sortedCopy(values []float64) []float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	return sorted
}
