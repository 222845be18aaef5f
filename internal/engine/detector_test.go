package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinisafe/compliance-engine/internal/database"
)

type recordingAuditSink struct {
	entries []*database.AuditEntry
	err     error
}

func (s *recordingAuditSink) Record(ctx context.Context, entry *database.AuditEntry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

type recordingRaiser struct {
	candidates []Candidate
}

func (r *recordingRaiser) Enqueue(candidate Candidate) {
	r.candidates = append(r.candidates, candidate)
}

func f64Ptr(v float64) *float64 { return &v }
func intPtr(v int) *int         { return &v }

func newTestDetector(t *testing.T, rules []*database.ComplianceRule) (*Detector, *recordingAuditSink, *recordingRaiser) {
	t.Helper()
	catalog := NewCatalog(&staticRuleSource{rules: rules}, time.Minute, testLogger())
	require.NoError(t, catalog.Reload(context.Background()))

	sink := &recordingAuditSink{}
	raiser := &recordingRaiser{}
	detector := NewDetector(catalog, NewMemoryWindowCounter(time.Minute), sink, raiser, time.Hour, testLogger())
	return detector, sink, raiser
}

func glycemiaRule() *database.ComplianceRule {
	return &database.ComplianceRule{
		ID:            "rule-glycemia",
		Name:          "Glycemia out of range",
		EventKey:      "measurement.recorded.glycemia",
		Regime:        database.RegimeGeneral,
		Severity:      3,
		ParameterName: strPtr("glycemia"),
		ThresholdMin:  f64Ptr(70),
		ThresholdMax:  f64Ptr(110),
		Action:        database.ActionNotify,
		AlertTypeCode: "MEDICAL_THRESHOLD_EXCEEDED",
		Version:       1,
	}
}

func TestHandleMeasurementViolation(t *testing.T) {
	detector, sink, raiser := newTestDetector(t, []*database.ComplianceRule{glycemiaRule()})

	candidate, err := detector.HandleMeasurement(context.Background(), MeasurementEvent{
		SubjectID: "patient-1",
		Parameter: "glycemia",
		Value:     130,
		ActorID:   "dr-house",
	})
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, SeverityCritical, candidate.Severity)
	assert.Equal(t, "rule-glycemia", candidate.RuleID)
	assert.Equal(t, "patient-1", *candidate.PatientID)

	// The violation was handed off for asynchronous alert creation.
	require.Len(t, raiser.candidates, 1)

	// Exactly one audit entry for the event.
	require.Len(t, sink.entries, 1)
	assert.Equal(t, database.AuditMeasurement, sink.entries[0].Action)
	assert.Equal(t, "dr-house", sink.entries[0].Actor)
}

func TestHandleMeasurementCleanStillAudited(t *testing.T) {
	detector, sink, raiser := newTestDetector(t, []*database.ComplianceRule{glycemiaRule()})

	candidate, err := detector.HandleMeasurement(context.Background(), MeasurementEvent{
		SubjectID: "patient-1",
		Parameter: "glycemia",
		Value:     90,
		ActorID:   "dr-house",
	})
	require.NoError(t, err)
	assert.Nil(t, candidate)
	assert.Empty(t, raiser.candidates)
	require.Len(t, sink.entries, 1)
}

func TestHandleMeasurementNoRuleStillAudited(t *testing.T) {
	detector, sink, raiser := newTestDetector(t, nil)

	candidate, err := detector.HandleMeasurement(context.Background(), MeasurementEvent{
		SubjectID: "patient-1",
		Parameter: "heart_rate",
		Value:     300,
		ActorID:   "dr-house",
	})
	require.NoError(t, err)
	assert.Nil(t, candidate)
	assert.Empty(t, raiser.candidates)
	require.Len(t, sink.entries, 1)
}

func TestHandleMeasurementAuditFailureBlocks(t *testing.T) {
	detector, sink, raiser := newTestDetector(t, []*database.ComplianceRule{glycemiaRule()})
	sink.err = errors.New("database down")

	_, err := detector.HandleMeasurement(context.Background(), MeasurementEvent{
		SubjectID: "patient-1",
		Parameter: "glycemia",
		Value:     130,
		ActorID:   "dr-house",
	})
	require.Error(t, err)
	// The candidate must not reach the raise path when the event could
	// not be audited.
	assert.Empty(t, raiser.candidates)
}

func TestHandleMeasurementValidation(t *testing.T) {
	detector, sink, _ := newTestDetector(t, nil)

	_, err := detector.HandleMeasurement(context.Background(), MeasurementEvent{
		Parameter: "glycemia",
		Value:     90,
	})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Empty(t, sink.entries)
}

func TestHandleAccessCountRuleFiresAtThreshold(t *testing.T) {
	rule := &database.ComplianceRule{
		ID:            "rule-excessive",
		Name:          "Excessive record consultation",
		EventKey:      "record.accessed",
		Regime:        database.RegimeGeneral,
		Severity:      3,
		MinCount:      intPtr(5),
		WindowMinutes: intPtr(60),
		Action:        database.ActionNotify,
		AlertTypeCode: "EXCESSIVE_RECORD_ACCESS",
		Version:       1,
	}
	detector, sink, raiser := newTestDetector(t, []*database.ComplianceRule{rule})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		candidate, err := detector.HandleAccess(ctx, AccessEvent{
			SubjectID:  "nurse-9",
			ActorID:    "nurse-9",
			AccessType: "READ",
			Authorized: true,
		})
		require.NoError(t, err)
		assert.Nil(t, candidate, "below threshold, access %d", i+1)
	}

	candidate, err := detector.HandleAccess(ctx, AccessEvent{
		SubjectID:  "nurse-9",
		ActorID:    "nurse-9",
		AccessType: "READ",
		Authorized: true,
	})
	require.NoError(t, err)
	require.NotNil(t, candidate, "fifth access crosses the threshold")
	assert.NotContains(t, candidate.Details, "window_refire")

	// A sixth access in the same window is a duplicate for dedup, not a
	// fresh firing.
	candidate, err = detector.HandleAccess(ctx, AccessEvent{
		SubjectID:  "nurse-9",
		ActorID:    "nurse-9",
		AccessType: "READ",
		Authorized: true,
	})
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, true, candidate.Details["window_refire"])

	// Every access was audited regardless of detection outcome.
	assert.Len(t, sink.entries, 6)
	assert.Len(t, raiser.candidates, 2)
}

func TestHandleAccessUnauthorizedImmediate(t *testing.T) {
	rule := &database.ComplianceRule{
		ID:            "rule-unauthorized",
		Name:          "Unauthorized record access",
		EventKey:      "access.unauthorized",
		Regime:        database.RegimeHealthPrivacy,
		Severity:      5,
		MinCount:      intPtr(1),
		WindowMinutes: intPtr(60),
		Action:        database.ActionBlockAccess,
		AlertTypeCode: "HIPAA_UNAUTHORIZED_PHI_ACCESS",
		Version:       1,
	}
	detector, sink, _ := newTestDetector(t, []*database.ComplianceRule{rule})

	candidate, err := detector.HandleAccess(context.Background(), AccessEvent{
		SubjectID:  "patient-2",
		ActorID:    "intruder",
		AccessType: "READ",
		Authorized: false,
	})
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, 5, candidate.Severity)
	assert.Equal(t, database.ActionBlockAccess, candidate.Action)
	require.Len(t, sink.entries, 1)
	assert.True(t, sink.entries[0].HIPAARelevant)
}

func TestHandleExportOverLimit(t *testing.T) {
	rule := &database.ComplianceRule{
		ID:            "rule-export",
		Name:          "Bulk export volume limit",
		EventKey:      "export.requested",
		Regime:        database.RegimeDataProtection,
		Severity:      4,
		MaxCount:      intPtr(100),
		Action:        database.ActionEscalate,
		AlertTypeCode: "BULK_EXPORT_SUSPICIOUS",
		Version:       1,
	}
	detector, sink, _ := newTestDetector(t, []*database.ComplianceRule{rule})
	ctx := context.Background()

	candidate, err := detector.HandleExport(ctx, ExportEvent{ActorID: "analyst", SubjectCount: 150})
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, 4, candidate.Severity)
	assert.Equal(t, 150, candidate.Details["impacted_subjects"])

	candidate, err = detector.HandleExport(ctx, ExportEvent{ActorID: "analyst", SubjectCount: 50})
	require.NoError(t, err)
	assert.Nil(t, candidate)

	assert.Len(t, sink.entries, 2)
}
