package engine

import (
	"fmt"
	"math"
)

// Severity levels, 1 (informational) to 5 (urgent, regulator-notifiable).
const (
	SeverityInfo     = 1
	SeverityElevated = 3
	SeverityCritical = 5
)

// Finding is the result of a threshold evaluation.
type Finding struct {
	InRange   bool    `json:"in_range"`
	Severity  int     `json:"severity"`
	Overshoot float64 `json:"overshoot"`
}

// ValidationError reports malformed event input, rejected before any
// evaluation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input %s: %s", e.Field, e.Reason)
}

// EvaluateThreshold compares a measured value against an acceptable
// range and derives severity from the fractional overshoot relative to
// the range width. Pure; rejects non-finite input.
//
// Overshoot >= 0.5 of the range width is critical (severity 5),
// >= 0.25 is elevated (severity 3), anything else out of range is
// informational (severity 1). A degenerate range (min == max) makes any
// deviation critical.
func EvaluateThreshold(parameter string, value, min, max float64) (Finding, error) {
	for name, v := range map[string]float64{"value": value, "min": min, "max": max} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Finding{}, &ValidationError{Field: name, Reason: "must be a finite number"}
		}
	}
	if parameter == "" {
		return Finding{}, &ValidationError{Field: "parameter", Reason: "must not be empty"}
	}
	if min > max {
		return Finding{}, &ValidationError{Field: "min", Reason: "must not exceed max"}
	}

	if value >= min && value <= max {
		return Finding{InRange: true, Severity: 0}, nil
	}

	if min == max {
		return Finding{Severity: SeverityCritical, Overshoot: math.Inf(1)}, nil
	}

	var overshoot float64
	if value < min {
		overshoot = (min - value) / (max - min)
	} else {
		overshoot = (value - max) / (max - min)
	}

	severity := SeverityInfo
	switch {
	case overshoot >= 0.5:
		severity = SeverityCritical
	case overshoot >= 0.25:
		severity = SeverityElevated
	}

	return Finding{Severity: severity, Overshoot: overshoot}, nil
}
