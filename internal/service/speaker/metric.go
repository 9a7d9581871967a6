package speaker

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Metric measures the distance between two feature vectors of equal length.
// Implementations must be non-negative, symmetric, and return zero only for
// identical vectors.
type Metric interface {
	Distance(a, b FeatureVector) float64
}

// MetricFunc adapts an ordinary function to the Metric interface.
type MetricFunc func(a, b FeatureVector) float64

// Distance calls f(a, b).
func (f MetricFunc) Distance(a, b FeatureVector) float64 {
	return f(a, b)
}

// Euclidean is the L2 distance. It is the default metric.
var Euclidean Metric = MetricFunc(func(a, b FeatureVector) float64 {
	return floats.Distance(a, b, 2)
})

// Manhattan is the L1 distance.
var Manhattan Metric = MetricFunc(func(a, b FeatureVector) float64 {
	return floats.Distance(a, b, 1)
})

// MetricByName resolves a metric from its configuration name.
func MetricByName(name string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "euclidean", "l2":
		return Euclidean, nil
	case "manhattan", "l1":
		return Manhattan, nil
	default:
		return nil, fmt.Errorf("unknown distance metric %q", name)
	}
}
