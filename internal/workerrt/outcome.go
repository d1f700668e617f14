package workerrt

import (
	"context"

	"github.com/milvaion/jobscheduler/internal/domain"
)

// classifyOutcome maps an executor result into the terminal status triple
// the status tracker expects (spec.md §4.2's state machine), preferring
// the timeout/cancellation signal over the error value when both are set
// since a context error always reflects what actually happened.
func classifyOutcome(execErr error, ctxErr error) (status domain.OccurrenceStatus, failureType domain.FailureType, isPermanent bool) {
	if execErr == nil && ctxErr == nil {
		return domain.StatusCompleted, "", false
	}

	if ctxErr == context.DeadlineExceeded {
		return domain.StatusTimedOut, domain.FailureTimeout, true
	}
	if ctxErr == context.Canceled {
		return domain.StatusCancelled, domain.FailureCancelled, false
	}

	if IsPanic(execErr) {
		return domain.StatusFailed, domain.FailureUnhandledException, true
	}
	if IsPermanent(execErr) {
		return domain.StatusFailed, domain.FailureUnhandledException, true
	}
	if IsRetryable(execErr) {
		// The consumer runs Execute once and does not retry locally, so a
		// Transient error is reported as a permanent failure here.
		return domain.StatusFailed, domain.FailureExternalDependencyFailed, true
	}

	// Unclassified errors default to permanent; no error, Transient or
	// otherwise, is retried by the consumer.
	return domain.StatusFailed, domain.FailureUnhandledException, true
}
