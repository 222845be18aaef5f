package engine

import (
	"time"
)

// Well-known event keys. Rules may target any key; these are the ones
// emitted by the surrounding record-keeping system.
const (
	EventMeasurementRecorded = "measurement.recorded"
	EventRecordAccessed      = "record.accessed"
	EventExportRequested     = "export.requested"
	EventUnauthorizedAccess  = "access.unauthorized"
)

// MeasurementEvent reports one recorded medical measurement.
type MeasurementEvent struct {
	SubjectID string  `json:"subject_id" validate:"required"`
	Parameter string  `json:"parameter" validate:"required"`
	Value     float64 `json:"value"`
	ActorID   string  `json:"actor_id" validate:"required"`
	RecordID  string  `json:"record_id,omitempty"`
}

// AccessEvent reports one access to a medical record.
type AccessEvent struct {
	SubjectID  string    `json:"subject_id" validate:"required"`
	ActorID    string    `json:"actor_id" validate:"required"`
	AccessType string    `json:"access_type" validate:"required"`
	Authorized bool      `json:"authorized"`
	RecordID   string    `json:"record_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExportEvent reports a bulk export request.
type ExportEvent struct {
	ActorID      string `json:"actor_id" validate:"required"`
	SubjectCount int    `json:"subject_count" validate:"min=1"`
}

// Candidate is a detected violation awaiting alert creation. It carries
// everything the lifecycle manager needs without another rule lookup.
type Candidate struct {
	RuleID          string
	RuleVersion     int
	AlertTypeCode   string
	Regime          string
	EventKey        string
	PatientID       *string
	RecordID        *string
	ActorID         string
	Severity        int
	Title           string
	Message         string
	Details         map[string]interface{}
	Action          string
	NotifyOperator  bool
	NotifyDPO       bool
	NotifyRegulator bool
	WindowMinutes   int
}
