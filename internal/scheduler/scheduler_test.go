package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinisafe/compliance-engine/internal/config"
)

type noopHandler struct {
	name string
}

func (h *noopHandler) Name() string                      { return h.name }
func (h *noopHandler) Execute(ctx context.Context) error { return nil }

// Same six-field specs the configuration ships as defaults.
func defaultScheduleConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Enabled:              true,
		SurveillanceSchedule: "0 */15 * * * *",
		RetrySweepSchedule:   "30 * * * * *",
		EscalationSchedule:   "0 */5 * * * *",
	}
}

func TestNewParsesShippedSchedules(t *testing.T) {
	s, err := New(defaultScheduleConfig(), discardLogger(),
		&noopHandler{name: TaskSurveillance},
		&noopHandler{name: TaskRetrySweep},
		&noopHandler{name: TaskDeadlineEscalation},
	)
	require.NoError(t, err)
	assert.Len(t, s.Stats(), 3)
}

func TestNewRejectsUnknownTask(t *testing.T) {
	_, err := New(defaultScheduleConfig(), discardLogger(), &noopHandler{name: "mystery"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schedule configured")
}

func TestNewRejectsMalformedSchedule(t *testing.T) {
	cfg := defaultScheduleConfig()
	cfg.SurveillanceSchedule = "not a cron spec"
	_, err := New(cfg, discardLogger(), &noopHandler{name: TaskSurveillance})
	require.Error(t, err)
}

func TestRunNowUnknownTask(t *testing.T) {
	s, err := New(defaultScheduleConfig(), discardLogger(), &noopHandler{name: TaskRetrySweep})
	require.NoError(t, err)
	require.Error(t, s.RunNow("mystery"))
}
