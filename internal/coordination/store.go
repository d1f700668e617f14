// Package coordination provides the low-level ordered-set, lock, and
// pub/sub primitives the dispatcher, worker runtime, and zombie detector
// share through a coordination store. The real implementation is backed
// by Redis; an in-memory fake implementing the same interface is provided
// for tests (see fake.go).
package coordination

import (
	"context"
	"time"
)

// Store is the set of coordination-store primitives named in spec.md's
// design notes: zadd, zrangebyscore, zrem, setnx, del, sadd, srem,
// smembers, hset, hmget, expire, publish, subscribe.
type Store interface {
	// ZAdd adds member to the sorted set key with the given score,
	// replacing any existing score for that member.
	ZAdd(ctx context.Context, key, member string, score float64) error

	// ZRangeByScore returns members of key with score <= max, in ascending
	// score order, capped at limit (0 = unlimited).
	ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error)

	// ZRem removes member from the sorted set key.
	ZRem(ctx context.Context, key, member string) error

	// SetNX sets key to value with the given TTL only if key does not
	// already exist. Returns true if the set happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del deletes key (and its value, regardless of type).
	Del(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// SAdd adds member to the set key.
	SAdd(ctx context.Context, key, member string) error

	// SRem removes member from the set key.
	SRem(ctx context.Context, key, member string) error

	// SMembers returns all members of the set key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SIsMember reports whether member is in the set key.
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// HSet sets field-value pairs in the hash key.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HMGet returns the values for the given fields of hash key, in order;
	// missing fields come back as "" with ok=false at that index.
	HMGet(ctx context.Context, key string, fields ...string) ([]string, []bool, error)

	// HGetAll returns the full contents of the hash key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Incr atomically increments the integer stored at key (starting from 0
	// if absent) and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Decr atomically decrements the integer stored at key and returns the
	// new value.
	Decr(ctx context.Context, key string) (int64, error)

	// Publish publishes payload on channel.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe returns a channel of payloads published to channel. The
	// returned channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)

	// Close releases the underlying connection(s).
	Close() error
}

// KeyPrefix is prepended to every coordination-store key, configurable per
// deployment (spec.md §6, default "Milvaion:JobScheduler:").
type KeyPrefix string

const DefaultKeyPrefix KeyPrefix = "Milvaion:JobScheduler:"

// Keys centralises the coordination-store key names spec.md §6 defines.
type Keys struct {
	Prefix KeyPrefix
}

func NewKeys(prefix KeyPrefix) Keys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return Keys{Prefix: prefix}
}

// ScheduledJobsIndex is the time-ordered set mapping jobId -> executeAt (unix seconds).
func (k Keys) ScheduledJobsIndex() string { return string(k.Prefix) + "scheduled_jobs" }

// Lock is the per-job set-if-absent key the dispatcher takes before marking
// a job running and creating its occurrence. Leadership uses DispatcherLease
// and the running set uses Running.
func (k Keys) Lock(jobID string) string { return string(k.Prefix) + "lock:" + jobID }

// Running is the set of jobIds currently running.
func (k Keys) Running() string { return string(k.Prefix) + "running" }

// JobCache is the hash holding a cached job definition (TTL 24h).
func (k Keys) JobCache(jobID string) string { return string(k.Prefix) + "job:" + jobID }

// Worker is the hash holding a worker group's instance list / timestamps.
func (k Keys) Worker(workerID string) string { return string(k.Prefix) + "worker:" + workerID }

// CancellationChannel is the pub/sub channel carrying cancellation signals.
func (k Keys) CancellationChannel() string { return string(k.Prefix) + "cancellation_channel" }

// DispatcherLease is the key used for dispatcher leader election.
func (k Keys) DispatcherLease() string { return string(k.Prefix) + "lease:dispatcher" }

// ZombieLease is the key used for zombie-detector single-instance leadership.
func (k Keys) ZombieLease() string { return string(k.Prefix) + "lease:zombie-detector" }

// ConsumerCapacity is the key tracking current jobs for a (workerId,
// jobNameInWorker) consumer type.
func (k Keys) ConsumerCapacity(workerID, jobNameInWorker string) string {
	return string(k.Prefix) + "capacity:" + workerID + ":" + jobNameInWorker
}
