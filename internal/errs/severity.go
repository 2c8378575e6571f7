package errs

// Severity ranks validation findings. It drives both validity (CRITICAL
// always rejects, HIGH rejects past a per-update allowance) and the
// confidence adjustment applied to updates that pass.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ConfidenceMultiplier is the factor applied to an update's confidence for
// each finding of this severity.
func (s Severity) ConfidenceMultiplier() float64 {
	switch s {
	case SeverityLow:
		return 0.95
	case SeverityMedium:
		return 0.6
	case SeverityHigh:
		return 0.3
	case SeverityCritical:
		return 0.1
	default:
		return 1.0
	}
}

// ValidationError is one finding from a validator tier.
type ValidationError struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Source   string   `json:"source,omitempty"`
	Symbol   string   `json:"symbol,omitempty"`
}

func (e *ValidationError) Error() string {
	return e.Severity.String() + " " + e.Check + ": " + e.Message
}
