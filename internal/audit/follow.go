package audit

import (
	"context"
	"log/slog"
	"time"
)

// Follow polls s for events after seq and calls fn for each, in order,
// until ctx is cancelled. Similar to `tail -f` for the audit log; it works
// across processes because it only reads committed rows.
func Follow(ctx context.Context, s Store, after uint64, interval time.Duration, fn func(Event)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := Walk(ctx, s, ListParams{Range: Range{From: after + 1}, Limit: MaxPageSize}, func(e Event) error {
			fn(e)
			after = e.Seq
			return nil
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("follow: error reading events", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
