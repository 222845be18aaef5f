package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinisafe/compliance-engine/internal/database"
)

type staticRuleSource struct {
	rules []*database.ComplianceRule
}

func (s *staticRuleSource) ListActive(ctx context.Context) ([]*database.ComplianceRule, error) {
	return s.rules, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

func TestCatalogReloadAndFind(t *testing.T) {
	source := &staticRuleSource{rules: []*database.ComplianceRule{
		{ID: "r1", EventKey: "Record.Accessed ", Severity: 3},
		{ID: "r2", EventKey: "access.unauthorized", Severity: 5},
	}}
	catalog := NewCatalog(source, time.Minute, testLogger())
	require.NoError(t, catalog.Reload(context.Background()))

	assert.Equal(t, 2, catalog.Size())

	rule, ok := catalog.Find("record.accessed")
	require.True(t, ok)
	assert.Equal(t, "r1", rule.Rule.ID)

	_, ok = catalog.Find("export.requested")
	assert.False(t, ok)
}

func TestCatalogDuplicateKeyKeepsMostRecent(t *testing.T) {
	// The source returns rules newest first.
	source := &staticRuleSource{rules: []*database.ComplianceRule{
		{ID: "newer", EventKey: "record.accessed", Severity: 4},
		{ID: "older", EventKey: "record.accessed", Severity: 2},
	}}
	catalog := NewCatalog(source, time.Minute, testLogger())
	require.NoError(t, catalog.Reload(context.Background()))

	assert.Equal(t, 1, catalog.Size())
	rule, ok := catalog.Find("record.accessed")
	require.True(t, ok)
	assert.Equal(t, "newer", rule.Rule.ID)
}

func TestCatalogSkipsUncompilableCondition(t *testing.T) {
	source := &staticRuleSource{rules: []*database.ComplianceRule{
		{ID: "bad", EventKey: "record.accessed", Condition: strPtr("event.count >")},
		{ID: "good", EventKey: "export.requested", Condition: strPtr(`event.access_type == "BULK"`)},
	}}
	catalog := NewCatalog(source, time.Minute, testLogger())
	require.NoError(t, catalog.Reload(context.Background()))

	_, ok := catalog.Find("record.accessed")
	assert.False(t, ok, "rule with invalid condition must not load")

	rule, ok := catalog.Find("export.requested")
	require.True(t, ok)
	require.NotNil(t, rule.Condition)

	matched, err := rule.MatchesCondition(map[string]interface{}{"access_type": "BULK"})
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = rule.MatchesCondition(map[string]interface{}{"access_type": "SINGLE"})
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestMatchesConditionWithoutCondition(t *testing.T) {
	rule := &CompiledRule{Rule: &database.ComplianceRule{ID: "r1"}}
	matched, err := rule.MatchesCondition(nil)
	require.NoError(t, err)
	assert.True(t, matched)
}
