package domain

// RiskLevel is the advisory service's risk classification for a recommendation.
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "LOW"
	RiskLevelMedium RiskLevel = "MEDIUM"
	RiskLevelHigh   RiskLevel = "HIGH"
)

// Valid reports whether the level is one of the known enum values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLevelLow, RiskLevelMedium, RiskLevelHigh:
		return true
	}
	return false
}

// AdvisoryResult is a validated recommendation from the advisory service.
// Confidence is an integer in [0, 10].
type AdvisoryResult struct {
	RecommendedMarket string
	Confidence        int
	RiskLevel         RiskLevel
	Reason            string
}
