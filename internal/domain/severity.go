package domain

import "math"

// DeriveSeverity maps an inference probability onto the 0-100 severity scale.
// NaN is treated as zero.
func DeriveSeverity(probability float64) int {
	if math.IsNaN(probability) {
		return 0
	}
	pct := math.Min(100, math.Max(0, probability*100))
	return int(math.Round(pct))
}
