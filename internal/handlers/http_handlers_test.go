package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuleRequestToRule(t *testing.T) {
	min := 70.0
	max := 110.0
	req := &ruleRequest{
		Name:          "Glycemia out of range",
		EventKey:      " Measurement.Recorded.Glycemia ",
		Regime:        "GENERAL",
		Severity:      3,
		ThresholdMin:  &min,
		ThresholdMax:  &max,
		Action:        "NOTIFY",
		AlertTypeCode: "MEDICAL_THRESHOLD_EXCEEDED",
		CreatedBy:     "dpo-1",
	}

	rule := req.toRule()
	assert.Equal(t, "measurement.recorded.glycemia", rule.EventKey)
	// Rules created or versioned through the API are live immediately;
	// the catalog only loads active rows.
	assert.True(t, rule.Active)
	assert.Equal(t, "dpo-1", rule.CreatedBy)
}
