package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRulesAreActive(t *testing.T) {
	rules := DefaultRules()
	require.NotEmpty(t, rules)

	// Seeded rules must be live: the catalog only loads active rows.
	for _, rule := range rules {
		assert.True(t, rule.Active, "rule %q seeded inactive", rule.Name)
	}
}

func TestDefaultRulesReferenceSeededAlertTypes(t *testing.T) {
	codes := make(map[string]bool, len(DefaultAlertTypes))
	for _, at := range DefaultAlertTypes {
		codes[at.Code] = true
	}

	for _, rule := range DefaultRules() {
		assert.True(t, codes[rule.AlertTypeCode],
			"rule %q references unknown alert type %s", rule.Name, rule.AlertTypeCode)
		assert.GreaterOrEqual(t, rule.Severity, 1)
		assert.LessOrEqual(t, rule.Severity, 5)
		assert.NotEmpty(t, rule.EventKey)
	}
}

func TestDefaultAlertTypesCoverAllRegimes(t *testing.T) {
	regimes := make(map[string]bool)
	for _, at := range DefaultAlertTypes {
		regimes[at.Regime] = true
	}
	for _, regime := range []string{RegimeGeneral, RegimeDataProtection, RegimeHealthPrivacy, RegimeLocalRegulator} {
		assert.True(t, regimes[regime], "no alert type for regime %s", regime)
	}
}
