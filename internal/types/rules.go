package types

import "time"

// RuleType distinguishes the three evaluation algorithms the engine supports.
type RuleType string

const (
	RuleThreshold RuleType = "threshold"
	RuleSustained RuleType = "sustained"
	RuleRate      RuleType = "rate"
)

// Comparator is the relational operator a rule uses against its threshold.
type Comparator string

const (
	CmpGreaterThan    Comparator = "gt"
	CmpGreaterOrEqual Comparator = "gte"
	CmpLessThan       Comparator = "lt"
	CmpLessOrEqual    Comparator = "lte"
	CmpEqual          Comparator = "eq"
)

// Severity is shared by Rule, RuleViolation, Alert and Issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rule is a user- or default-configured condition evaluated against a
// dotted metric path on every collected MetricSample.
type Rule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Metric     string     `json:"metric"`
	Comparator Comparator `json:"comparator"`
	Threshold  float64    `json:"threshold"`
	Severity   Severity   `json:"severity"`
	Type       RuleType   `json:"type"`
	Enabled    bool       `json:"enabled"`

	// DurationMs applies to RuleSustained: the condition must hold
	// continuously for this long before it violates.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// WindowMs and RateThreshold apply to RuleRate: the metric's rate of
	// change over WindowMs must exceed RateThreshold (units/hour).
	WindowMs      int64   `json:"window_ms,omitempty"`
	RateThreshold float64 `json:"rate_threshold,omitempty"`

	Message string `json:"message,omitempty"`
}

// Evaluate applies the rule's comparator to a resolved metric value.
func (r Rule) Evaluate(value float64) bool {
	switch r.Comparator {
	case CmpGreaterThan:
		return value > r.Threshold
	case CmpGreaterOrEqual:
		return value >= r.Threshold
	case CmpLessThan:
		return value < r.Threshold
	case CmpLessOrEqual:
		return value <= r.Threshold
	case CmpEqual:
		return value == r.Threshold
	default:
		return false
	}
}

// RuleViolation is produced by the rule engine each time a Rule's condition
// is satisfied for a given server at a given instant. It is the unit the
// Alert Manager folds into alerts.
type RuleViolation struct {
	RuleID      string    `json:"rule_id"`
	ServerID    string    `json:"server_id"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	OccurredAt  time.Time `json:"occurred_at"`
	Fingerprint string    `json:"fingerprint"`
}

// AlertStatus tracks an alert through its lifecycle.
type AlertStatus string

const (
	AlertOpen     AlertStatus = "open"
	AlertResolved AlertStatus = "resolved"
)

// Alert is a deduplicated, cooldown-gated notification derived from one or
// more RuleViolations sharing a fingerprint.
type Alert struct {
	ID             string         `json:"id"`
	ServerID       string         `json:"server_id"`
	RuleID         string         `json:"rule_id"`
	Fingerprint    string         `json:"fingerprint"`
	Severity       Severity       `json:"severity"`
	Status         AlertStatus    `json:"status"`
	Message        string         `json:"message"`
	Metric         string         `json:"metric"`
	CurrentValue   float64        `json:"current_value"`
	Threshold      float64        `json:"threshold"`
	CreatedAt      time.Time      `json:"created_at"`
	LastOccurredAt time.Time      `json:"last_occurred_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	Source         string         `json:"source"`
	OccurrenceCount int           `json:"occurrence_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// IsActive reports whether the alert is still open.
func (a Alert) IsActive() bool {
	return a.Status == AlertOpen
}
