package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobOccurrence_ApplyTransition_TerminalIsFinal(t *testing.T) {
	now := time.Now().UTC()
	o := &JobOccurrence{Status: StatusQueued}

	require.True(t, o.ApplyTransition(StatusRunning, now))
	require.True(t, o.ApplyTransition(StatusCompleted, now.Add(time.Second)))
	assert.Len(t, o.StatusChangeLogs, 2)

	// A late Running after Completed must be rejected; Completed is final.
	changed := o.ApplyTransition(StatusRunning, now.Add(2*time.Second))
	assert.False(t, changed)
	assert.Equal(t, StatusCompleted, o.Status)
	assert.Len(t, o.StatusChangeLogs, 2, "no new log entry for a rejected transition")
}

func TestJobOccurrence_ApplyTransition_SameStatusIsNoop(t *testing.T) {
	o := &JobOccurrence{Status: StatusRunning}
	changed := o.ApplyTransition(StatusRunning, time.Now().UTC())
	assert.False(t, changed)
	assert.Empty(t, o.StatusChangeLogs)
}

func TestJobOccurrence_DurationMs(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2500 * time.Millisecond)
	o := &JobOccurrence{StartTime: &start, EndTime: &end}
	assert.Equal(t, int64(2500), o.DurationMs())
}

func TestJobOccurrence_DurationMs_Unset(t *testing.T) {
	o := &JobOccurrence{}
	assert.Equal(t, int64(0), o.DurationMs())
}

func TestWarrantsDLQ(t *testing.T) {
	cases := []struct {
		name               string
		status             OccurrenceStatus
		isPermanentFailure bool
		failureType        FailureType
		want               bool
	}{
		{"completed never warrants dlq", StatusCompleted, true, FailureUnknown, false},
		{"cancelled never warrants dlq", StatusCancelled, true, FailureUnknown, false},
		{"permanent failure warrants dlq", StatusFailed, true, FailureUnknown, true},
		{"zombie detection warrants dlq", StatusFailed, false, FailureZombieDetection, true},
		{"retry exhaustion warrants dlq", StatusFailed, false, FailureMaxRetriesExceeded, true},
		{"transient retryable failure does not yet warrant dlq", StatusFailed, false, FailureUnknown, false},
		{"non-terminal status never warrants dlq", StatusRunning, true, FailureUnknown, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, WarrantsDLQ(c.status, c.isPermanentFailure, c.failureType))
		})
	}
}

func TestScheduledJob_EffectiveRoutingKey(t *testing.T) {
	j := &ScheduledJob{WorkerID: "Reports", JobNameInWorker: "NightlyExport"}
	assert.Equal(t, "reports.nightlyexport.*", j.EffectiveRoutingKey())

	j.RoutingPattern = "custom.pattern.*"
	assert.Equal(t, "custom.pattern.*", j.EffectiveRoutingKey())
}

func TestScheduledJob_IsRecurring(t *testing.T) {
	j := &ScheduledJob{}
	assert.False(t, j.IsRecurring())
	j.CronExpression = "*/5 * * * *"
	assert.True(t, j.IsRecurring())
}
