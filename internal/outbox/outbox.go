// Package outbox implements the worker-local durable write-ahead queue
// spec.md §4.3 requires: every status update, heartbeat, and log line a
// worker produces is written here before publication is attempted, so none
// are lost to a broker outage or a process crash.
//
// Grounded on internal/storage/sql/connection.go's embedded-SQLite
// pattern, repointed at a worker-local single-file database opened with
// the same modernc.org/sqlite driver rather than the cluster's shared
// store. The FIFO-per-correlation drain loop is new code shaped after
// reconciliation.go's ticker-driven batch loop.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/milvaion/jobscheduler/internal/bus"
	"github.com/milvaion/jobscheduler/internal/workerrt"
)

var _ workerrt.Outbox = (*Outbox)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id     TEXT NOT NULL UNIQUE,
	correlation_id TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	routing_key  TEXT NOT NULL,
	payload      BLOB NOT NULL,
	coalesce_key TEXT,
	created_at   DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_coalesce ON outbox_events(coalesce_key) WHERE coalesce_key IS NOT NULL;
`

// Publisher is the bus operation the outbox needs to drain a queued event.
// *bus.Bus satisfies it; owned here per the same Interface Segregation
// Principle the dispatcher and worker runtime already apply.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte, correlationID string) error
}

// Outbox is a worker-local durable queue backed by an embedded SQLite file.
type Outbox struct {
	db         *sql.DB
	publisher  Publisher
	log        *slog.Logger
	online     bool
	onlineMu   sync.RWMutex
	done       chan struct{}
	wg         sync.WaitGroup
}

// Open creates (or reuses) the local store at path and prepares its schema.
func Open(ctx context.Context, path string) (*Outbox, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: ping %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: apply schema: %w", err)
	}
	return &Outbox{db: db, online: true, done: make(chan struct{})}, nil
}

// Attach wires the publisher and logger used by the drain loop. Separated
// from Open so the local store can be created (and replayed) before the
// bus connection is available.
func (o *Outbox) Attach(publisher Publisher, log *slog.Logger) {
	o.publisher = publisher
	o.log = log
}

// Close stops the drain loop (if running) and releases the database handle.
func (o *Outbox) Close() error {
	select {
	case <-o.done:
	default:
		close(o.done)
	}
	o.wg.Wait()
	return o.db.Close()
}

func eventID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func (o *Outbox) insert(ctx context.Context, correlationID, eventType, routingKey string, payload []byte, coalesceKey *string) error {
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO outbox_events (event_id, correlation_id, event_type, routing_key, payload, coalesce_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(coalesce_key) WHERE coalesce_key IS NOT NULL
		 DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at, event_id = excluded.event_id`,
		eventID(eventType), correlationID, eventType, routingKey, payload, coalesceKey, time.Now().UTC())
	return err
}

// EnqueueStatusUpdate durably records a status transition for later
// publication on routing key "status.<correlationId>".
func (o *Outbox) EnqueueStatusUpdate(ctx context.Context, msg bus.StatusUpdateMessage) error {
	payload, err := bus.Marshal(msg)
	if err != nil {
		return fmt.Errorf("outbox: marshal status update: %w", err)
	}
	return o.insert(ctx, msg.CorrelationID, "status", "status."+msg.CorrelationID, payload, nil)
}

// EnqueueHeartbeat durably records a heartbeat, coalescing on
// (workerId, correlationId) so only the newest unsent heartbeat per running
// occurrence is retained (spec.md §4.3).
func (o *Outbox) EnqueueHeartbeat(ctx context.Context, msg bus.HeartbeatMessage) error {
	payload, err := bus.Marshal(msg)
	if err != nil {
		return fmt.Errorf("outbox: marshal heartbeat: %w", err)
	}
	coalesceKey := "heartbeat:" + msg.WorkerID + ":" + msg.CorrelationID
	return o.insert(ctx, msg.CorrelationID, "heartbeat", "heartbeat."+msg.CorrelationID, payload, &coalesceKey)
}

// EnqueueLog durably records a log line for forwarding on
// "logs.<correlationId>".
func (o *Outbox) EnqueueLog(ctx context.Context, msg bus.LogMessage) error {
	payload, err := bus.Marshal(msg)
	if err != nil {
		return fmt.Errorf("outbox: marshal log message: %w", err)
	}
	return o.insert(ctx, msg.CorrelationID, "log", "logs."+msg.CorrelationID, payload, nil)
}

type pendingEvent struct {
	seq           int64
	eventID       string
	correlationID string
	routingKey    string
	payload       []byte
}

// DrainOnce publishes up to limit outstanding events in FIFO (seq) order,
// deleting each only once the broker confirms the publish. It stops at the
// first publish failure so ordering per correlation id is preserved and the
// remaining backlog is retried on the next tick (spec.md §4.3: "considered
// successful when the broker confirms; only then is the record removed").
func (o *Outbox) DrainOnce(ctx context.Context, limit int) (int, error) {
	rows, err := o.db.QueryContext(ctx,
		`SELECT seq, event_id, correlation_id, routing_key, payload FROM outbox_events ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return 0, fmt.Errorf("outbox: query pending: %w", err)
	}
	var pending []pendingEvent
	for rows.Next() {
		var e pendingEvent
		if err := rows.Scan(&e.seq, &e.eventID, &e.correlationID, &e.routingKey, &e.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan pending: %w", err)
		}
		pending = append(pending, e)
	}
	rows.Close()

	drained := 0
	for _, e := range pending {
		if err := o.publisher.Publish(ctx, e.routingKey, e.payload, e.correlationID); err != nil {
			o.setOnline(false)
			return drained, fmt.Errorf("outbox: publish %s: %w", e.eventID, err)
		}
		o.setOnline(true)
		if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox_events WHERE seq = ?`, e.seq); err != nil {
			return drained, fmt.Errorf("outbox: delete drained event: %w", err)
		}
		drained++
	}
	return drained, nil
}

func (o *Outbox) setOnline(online bool) {
	o.onlineMu.Lock()
	o.online = online
	o.onlineMu.Unlock()
}

// Online reports whether the last publish attempt succeeded, exposing the
// connection-monitor signal spec.md §4.3 calls for.
func (o *Outbox) Online() bool {
	o.onlineMu.RLock()
	defer o.onlineMu.RUnlock()
	return o.online
}

// Start runs the drain loop in its own goroutine; Close waits for it to exit.
func (o *Outbox) Start(ctx context.Context, interval time.Duration, batchSize int) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Run(ctx, interval, batchSize)
	}()
}

// Run drains the local store on interval until ctx is cancelled or Close is
// called, replaying any backlog left over from a previous process on its
// first tick. Blocks the calling goroutine; use Start to run it in the
// background.
func (o *Outbox) Run(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.drainAndLog(ctx, batchSize)

	for {
		select {
		case <-ticker.C:
			o.drainAndLog(ctx, batchSize)
		case <-ctx.Done():
			return
		case <-o.done:
			return
		}
	}
}

func (o *Outbox) drainAndLog(ctx context.Context, batchSize int) {
	if _, err := o.DrainOnce(ctx, batchSize); err != nil && o.log != nil {
		o.log.Warn("outbox drain failed, will retry", slog.String("error", err.Error()))
	}
}
