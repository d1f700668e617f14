package bus

import (
	"encoding/json"
	"strings"
)

// DispatchMessage is the payload published on JobsExchange for a single
// dispatched occurrence (spec.md §4.1 step 6).
type DispatchMessage struct {
	CorrelationID        string `json:"correlationId"`
	JobID                string `json:"jobId"`
	JobName              string `json:"jobName"`
	JobData              string `json:"jobData"`
	ExecuteAt            int64  `json:"executeAt"`
	TimeoutSeconds       int    `json:"timeoutSeconds"`
	ZombieTimeoutMinutes int    `json:"zombieTimeoutMinutes"`
}

// RoutingKey substitutes the trailing wildcard of a routing pattern
// (e.g. "reports.export.*") with the occurrence's correlation id, producing
// the concrete key the dispatch message is published under.
func RoutingKey(pattern, correlationID string) string {
	if strings.HasSuffix(pattern, ".*") {
		return strings.TrimSuffix(pattern, "*") + correlationID
	}
	return pattern + "." + correlationID
}

// StatusUpdateMessage carries a worker-reported lifecycle transition.
type StatusUpdateMessage struct {
	CorrelationID string `json:"correlationId"`
	Status        string `json:"status"`
	Result        string `json:"result,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	FailureType   string `json:"failureType,omitempty"`
	IsPermanent   bool   `json:"isPermanent,omitempty"`
	OccurredAtUTC int64  `json:"occurredAtUtc"`
}

// HeartbeatMessage is published periodically by a worker while an
// occurrence is running. The zombie detector does not use it: its window
// is measured from the occurrence's creation time.
type HeartbeatMessage struct {
	CorrelationID string `json:"correlationId"`
	WorkerID      string `json:"workerId"`
	SentAtUTC     int64  `json:"sentAtUtc"`
}

// RegistrationMessage announces a worker instance joining or refreshing its
// presence (consumed by internal/registry).
type RegistrationMessage struct {
	WorkerID        string   `json:"workerId"`
	InstanceID      string   `json:"instanceId"`
	JobNamesHandled []string `json:"jobNamesHandled"`
	MaxParallelJobs int      `json:"maxParallelJobs"`
	SentAtUTC       int64    `json:"sentAtUtc"`
}

// LogMessage carries a single structured log line emitted by user job code,
// forwarded for centralised collection.
type LogMessage struct {
	CorrelationID string `json:"correlationId"`
	Level         string `json:"level"`
	Message       string `json:"message"`
	LoggedAtUTC   int64  `json:"loggedAtUtc"`
}

// DeadLetterMessage is published on DeadLetterExchange for unrecoverable
// occurrences. It carries a subset of the persisted FailedOccurrence row:
// display name, job name, job data, executeAt and status are not included.
type DeadLetterMessage struct {
	CorrelationID string `json:"correlationId"`
	JobID         string `json:"jobId"`
	FailureType   string `json:"failureType"`
	ErrorMessage  string `json:"errorMessage"`
	FailedAtUTC   int64  `json:"failedAtUtc"`
}

// Marshal is a thin wrapper kept so call sites read as bus.Marshal(msg)
// rather than repeating json.Marshal's error-handling boilerplate inline.
func Marshal(v any) ([]byte, error) { return json.Marshal(v) }
