// Package testutil provides shared test infrastructure for the kinetic
// simulator: floating-point and statistical assertion helpers used across
// sim/ and its sub-packages.
package testutil

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/stat"
)

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertMeanWithin checks that the sample mean lies within sigmas standard
// errors of want.
func AssertMeanWithin(t *testing.T, name string, samples []float64, want, sigmas float64) {
	t.Helper()
	if len(samples) < 2 {
		t.Fatalf("%s: need at least two samples, got %d", name, len(samples))
	}
	mean, sd := stat.MeanStdDev(samples, nil)
	se := sd / math.Sqrt(float64(len(samples)))
	if math.Abs(mean-want) > sigmas*se {
		t.Errorf("%s: mean %v, want %v within %v standard errors (se=%v)", name, mean, want, sigmas, se)
	}
}
