package domain

import "time"

// InstanceStatus is the lifecycle state of one worker instance, tracked
// only in the coordination store (never persisted).
type InstanceStatus string

const (
	InstanceActive   InstanceStatus = "ACTIVE"
	InstanceInactive InstanceStatus = "INACTIVE"
	InstanceZombie   InstanceStatus = "ZOMBIE"
	InstanceShutdown InstanceStatus = "SHUTDOWN"
)

// WorkerInstance describes one replica of a worker group, as registered
// via the worker_registration_queue.
type WorkerInstance struct {
	WorkerID       string
	InstanceID     string
	DisplayName    string
	HostName       string
	IPAddress      string
	RoutingPattern []string
	JobTypes       []string
	MaxParallelJobs int
	CurrentJobs     int
	LastHeartbeat   time.Time
	Status          InstanceStatus
	Version         string
	Metadata        map[string]string
}

// HasCapacity reports whether this instance can accept another job.
func (w *WorkerInstance) HasCapacity() bool {
	return w.CurrentJobs < w.MaxParallelJobs
}
