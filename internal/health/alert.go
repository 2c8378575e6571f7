// Package health implements the in-process health and alert bus: rule
// evaluation over pipeline signals, rate-limited alert emission and
// best-effort fan-out to the configured delivery sinks.
package health

import (
	"time"

	"github.com/google/uuid"
)

// Severity ranks an alert for routing and display.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Rule identifiers. Cooldowns apply per rule.
const (
	RuleConsensusDeviation = "consensus_deviation"
	RuleConnectionRate     = "connection_rate"
	RuleErrorRate          = "error_rate"
	RuleDataAge            = "data_age"
	RuleQualityScore       = "quality_score"
	RuleSourceTerminal     = "source_terminal"
	RuleRateLimited        = "alerts_rate_limited"
)

// Alert is the envelope delivered to every sink.
type Alert struct {
	ID        string    `json:"id" db:"id"`
	Rule      string    `json:"rule" db:"rule"`
	Severity  Severity  `json:"severity" db:"severity"`
	Title     string    `json:"title" db:"title"`
	Message   string    `json:"message" db:"message"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
	Source    string    `json:"source,omitempty" db:"source"`
	Feed      string    `json:"feed,omitempty" db:"feed"`
}

func newAlert(rule string, sev Severity, title, message, source, feed string, at time.Time) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Rule:      rule,
		Severity:  sev,
		Title:     title,
		Message:   message,
		Timestamp: at,
		Source:    source,
		Feed:      feed,
	}
}
