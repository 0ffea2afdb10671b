package broadcast

import (
	"context"
	"time"
)

// Watch polls fetch on a fixed interval and sends the latest snapshot
// whenever it changed, stopping after a terminal event (which is always
// delivered) or when ctx is done. It is the pull-side counterpart to
// Subscribe, for followers that read job state instead of holding a push
// subscription. Intermediate updates between polls are intentionally not
// recovered; only the latest state is guaranteed.
func Watch(ctx context.Context, interval time.Duration, fetch func(context.Context) (Event, error)) <-chan Event {
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan Event, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last Event
		var hasLast bool
		for {
			ev, err := fetch(ctx)
			if err == nil {
				if !hasLast || changed(last, ev) {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
					last = ev
					hasLast = true
				}
				if ev.Terminal {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func changed(a, b Event) bool {
	return a.Status != b.Status ||
		a.Progress != b.Progress ||
		a.CurrentStep != b.CurrentStep ||
		a.RecordsProcessed != b.RecordsProcessed ||
		a.Terminal != b.Terminal
}
