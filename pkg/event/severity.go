package event

// Severity is the label scale used by correlation rules and reporting.
// Event risk is numeric (0-100); severities bucket that range for
// human consumption.
type Severity string

const (
	// SeverityCritical indicates confirmed, high-impact exposure.
	SeverityCritical Severity = "critical"

	// SeverityHigh indicates significant exposure requiring prompt review.
	SeverityHigh Severity = "high"

	// SeverityMedium indicates moderate exposure.
	SeverityMedium Severity = "medium"

	// SeverityLow indicates limited exposure.
	SeverityLow Severity = "low"

	// SeverityInfo indicates an informational observation.
	SeverityInfo Severity = "info"
)

// IsValid reports whether s is a recognized severity level.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Score returns a numeric score for sorting and comparison.
// Critical=5, High=4, Medium=3, Low=2, Info=1, unknown=0.
func (s Severity) Score() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// String returns the severity as a string.
func (s Severity) String() string {
	return string(s)
}

// SeverityForRisk buckets a numeric risk annotation into a severity.
func SeverityForRisk(risk int) Severity {
	switch {
	case risk >= 90:
		return SeverityCritical
	case risk >= 70:
		return SeverityHigh
	case risk >= 40:
		return SeverityMedium
	case risk >= 10:
		return SeverityLow
	default:
		return SeverityInfo
	}
}
