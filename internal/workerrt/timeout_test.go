package workerrt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/milvaion/jobscheduler/internal/bus"
)

func TestTimeoutFor_ZeroMeansNoDeadline(t *testing.T) {
	got := timeoutFor(bus.DispatchMessage{TimeoutSeconds: 0}, 5*time.Minute)
	require.Zero(t, got, "an explicit 0 must run without a deadline, not fall back to the worker default")
}

func TestTimeoutFor_PositiveOverridesWorkerDefault(t *testing.T) {
	got := timeoutFor(bus.DispatchMessage{TimeoutSeconds: 30}, 5*time.Minute)
	require.Equal(t, 30*time.Second, got)
}

func TestTimeoutFor_NegativeFallsBackToWorkerDefault(t *testing.T) {
	got := timeoutFor(bus.DispatchMessage{TimeoutSeconds: -1}, 5*time.Minute)
	require.Equal(t, 5*time.Minute, got)
}
