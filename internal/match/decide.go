package match

import "fmt"

// DefaultThreshold is the similarity a face must exceed to count as the target.
const DefaultThreshold = 0.45

// IsMatch reports whether score strictly exceeds threshold. A score equal to
// the threshold is not a match.
func IsMatch(score, threshold float64) bool {
	return score > threshold
}

// Decider binds a threshold for the lifetime of one run.
type Decider struct {
	threshold float64
}

// NewDecider validates threshold against the cosine range.
func NewDecider(threshold float64) (Decider, error) {
	if threshold < -1 || threshold > 1 {
		return Decider{}, fmt.Errorf("threshold must be between -1.0 and 1.0, got %f", threshold)
	}
	return Decider{threshold: threshold}, nil
}

// Threshold returns the configured threshold.
func (d Decider) Threshold() float64 { return d.threshold }

// Decide applies IsMatch with the bound threshold.
func (d Decider) Decide(score float64) bool {
	return IsMatch(score, d.threshold)
}
