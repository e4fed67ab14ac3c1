package domain

import "fmt"

// Severity is the classification of a reading's value.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityWarningLow
	SeverityWarningHigh
	SeverityCriticalLow
	SeverityCriticalHigh
)

var severityNames = [...]string{
	SeverityNormal:       "NORMAL",
	SeverityWarningLow:   "WARNING_LOW",
	SeverityWarningHigh:  "WARNING_HIGH",
	SeverityCriticalLow:  "CRITICAL_LOW",
	SeverityCriticalHigh: "CRITICAL_HIGH",
}

// Severities lists every level, least severe first.
var Severities = []Severity{
	SeverityNormal,
	SeverityWarningLow,
	SeverityWarningHigh,
	SeverityCriticalLow,
	SeverityCriticalHigh,
}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// IsCritical reports CRITICAL_HIGH and CRITICAL_LOW.
func (s Severity) IsCritical() bool {
	return s == SeverityCriticalHigh || s == SeverityCriticalLow
}

// IsWarning reports WARNING_HIGH and WARNING_LOW.
func (s Severity) IsWarning() bool {
	return s == SeverityWarningHigh || s == SeverityWarningLow
}

// Thresholds are the four pulse limits, in beats per minute.
type Thresholds struct {
	CriticalHigh int64
	CriticalLow  int64
	WarnHigh     int64
	WarnLow      int64
}

// DefaultThresholds returns the limits used when nothing is configured.
func DefaultThresholds() Thresholds {
	return Thresholds{CriticalHigh: 210, CriticalLow: 40, WarnHigh: 180, WarnLow: 55}
}

// Validate checks CriticalLow < WarnLow <= WarnHigh < CriticalHigh.
// Classify works with any thresholds; this only flags sets whose results
// would be surprising.
func (t Thresholds) Validate() error {
	if t.CriticalLow >= t.WarnLow || t.WarnLow > t.WarnHigh || t.WarnHigh >= t.CriticalHigh {
		return fmt.Errorf("thresholds out of order: want critical_low(%d) < warn_low(%d) <= warn_high(%d) < critical_high(%d)",
			t.CriticalLow, t.WarnLow, t.WarnHigh, t.CriticalHigh)
	}
	return nil
}

// Classify maps a pulse value to a Severity. Critical checks run before
// warning checks and the first match wins.
func Classify(value int64, t Thresholds) Severity {
	switch {
	case value > t.CriticalHigh:
		return SeverityCriticalHigh
	case value < t.CriticalLow:
		return SeverityCriticalLow
	case value > t.WarnHigh:
		return SeverityWarningHigh
	case value < t.WarnLow:
		return SeverityWarningLow
	default:
		return SeverityNormal
	}
}
