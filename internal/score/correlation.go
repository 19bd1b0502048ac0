package score

import (
	"math"

	"github.com/busrecon/busrecon/internal/domain"
)

// Correlate measures how well the statistical relationships between observed
// signal series match a signature's expectation, in [0, 1].
//
// Pairwise Pearson correlation is computed for every signal pair where at
// least one signal belongs to the signature's primary set, and the absolute
// values are averaged. A pair with a series shorter than 2, mismatched
// lengths or a degenerate variance contributes 0 rather than failing.
//
// When no pair can be formed at all, the score falls back to the coverage
// ratio: the fraction of primary signal names present in the observation.
// If the signature declares expected correlations, the score becomes
// max(0, 1 - |avgActual - avgExpected|).
func Correlate(series map[string][]float64, sig *domain.DetectionSignature) float64 {
	if sig == nil || len(sig.PrimarySignals) == 0 {
		return 0
	}

	primary := make(map[string]struct{}, len(sig.PrimarySignals))
	for name := range sig.PrimarySignals {
		primary[name] = struct{}{}
	}

	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}

	var pairSum float64
	pairCount := 0
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			_, iPrimary := primary[names[i]]
			_, jPrimary := primary[names[j]]
			if !iPrimary && !jPrimary {
				continue
			}
			pairCount++
			pairSum += math.Abs(pearson(series[names[i]], series[names[j]]))
		}
	}

	if pairCount == 0 {
		return coverageRatio(series, primary)
	}

	avgActual := pairSum / float64(pairCount)

	if len(sig.ExpectedCorrelations) > 0 {
		var expSum float64
		for _, v := range sig.ExpectedCorrelations {
			expSum += v
		}
		avgExpected := expSum / float64(len(sig.ExpectedCorrelations))
		return math.Max(0, 1-math.Abs(avgActual-avgExpected))
	}

	return clamp01(avgActual)
}

// coverageRatio is the fraction of primary signal names present in the
// observation.
func coverageRatio(series map[string][]float64, primary map[string]struct{}) float64 {
	if len(primary) == 0 {
		return 0
	}
	present := 0
	for name := range primary {
		if _, ok := series[name]; ok {
			present++
		}
	}
	return float64(present) / float64(len(primary))
}

// pearson returns the sample Pearson correlation coefficient, or 0 when the
// series are too short, mismatched or degenerate.
func pearson(x, y []float64) float64 {
	n := len(x)
	if n < 2 || len(y) != n {
		return 0
	}

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx := x[i] - meanX
		dy := y[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}

	if varX == 0 || varY == 0 {
		return 0
	}

	r := cov / math.Sqrt(varX*varY)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
