package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateThresholdInRange(t *testing.T) {
	for _, value := range []float64{70, 90, 110} {
		finding, err := EvaluateThreshold("glycemia", value, 70, 110)
		require.NoError(t, err)
		assert.True(t, finding.InRange, "value %v should be in range", value)
		assert.Equal(t, 0, finding.Severity)
	}
}

func TestEvaluateThresholdSeverityBands(t *testing.T) {
	tests := []struct {
		name      string
		value     float64
		severity  int
		overshoot float64
	}{
		{"just above max", 111, SeverityInfo, 0.025},
		{"quarter overshoot high", 120, SeverityElevated, 0.25},
		{"half overshoot high", 130, SeverityCritical, 0.5},
		{"far above", 200, SeverityCritical, 2.25},
		{"quarter overshoot low", 60, SeverityElevated, 0.25},
		{"half overshoot low", 50, SeverityCritical, 0.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			finding, err := EvaluateThreshold("glycemia", tc.value, 70, 110)
			require.NoError(t, err)
			assert.False(t, finding.InRange)
			assert.Equal(t, tc.severity, finding.Severity)
			assert.InDelta(t, tc.overshoot, finding.Overshoot, 1e-9)
		})
	}
}

func TestEvaluateThresholdDegenerateRange(t *testing.T) {
	finding, err := EvaluateThreshold("temperature", 37.0, 37.0, 37.0)
	require.NoError(t, err)
	assert.True(t, finding.InRange)

	finding, err = EvaluateThreshold("temperature", 37.1, 37.0, 37.0)
	require.NoError(t, err)
	assert.False(t, finding.InRange)
	assert.Equal(t, SeverityCritical, finding.Severity)
	assert.True(t, math.IsInf(finding.Overshoot, 1))
}

func TestEvaluateThresholdRejectsBadInput(t *testing.T) {
	var validationErr *ValidationError

	_, err := EvaluateThreshold("glycemia", math.NaN(), 70, 110)
	require.ErrorAs(t, err, &validationErr)

	_, err = EvaluateThreshold("glycemia", 90, math.Inf(-1), 110)
	require.ErrorAs(t, err, &validationErr)

	_, err = EvaluateThreshold("", 90, 70, 110)
	require.ErrorAs(t, err, &validationErr)

	_, err = EvaluateThreshold("glycemia", 90, 110, 70)
	require.ErrorAs(t, err, &validationErr)
}
