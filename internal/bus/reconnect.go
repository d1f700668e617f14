package bus

import (
	"context"
	"log/slog"
	"time"
)

// DialFunc matches Dial's signature so Reconnect can be unit tested against
// a fake dialer.
type DialFunc func(ctx context.Context) (*Bus, error)

// Reconnect blocks, holding a live *Bus, until ctx is cancelled. Each time
// the broker connection drops it redials with capped exponential backoff
// and invokes onConnect with the fresh Bus so the caller can re-establish
// its consumers. It never returns a *Bus to the caller directly since the
// live instance can be swapped out from under them; onConnect is the only
// hook into the current connection.
func Reconnect(ctx context.Context, dial DialFunc, log *slog.Logger, onConnect func(*Bus)) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		b, err := dial(ctx)
		if err != nil {
			log.Error("bus: dial failed, retrying", slog.String("error", err.Error()), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		onConnect(b)

		closed := b.NotifyClose()
		select {
		case <-ctx.Done():
			_ = b.Close()
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr != nil {
				log.Warn("bus: connection closed, reconnecting", slog.String("error", amqpErr.Error()))
			}
		}
	}
}
