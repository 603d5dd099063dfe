package conn

import (
	"context"
	"time"
)

// keepalive is the background ping scheduler. It runs in its own
// goroutine, deliberately outside the event loop, so pings keep flowing
// at a fixed interval even while the loop is busy applying a burst of
// events. It communicates with the loop by message passing only: a tick
// lands on the ticks channel and the loop performs the actual write,
// preserving the single-writer discipline on the connection.
type keepalive struct {
	interval time.Duration
	ticks    chan struct{}
}

func newKeepalive(interval time.Duration) *keepalive {
	return &keepalive{
		interval: interval,
		ticks:    make(chan struct{}, 1),
	}
}

// run emits ticks until the context is cancelled. A tick that cannot be
// delivered because the previous one is still pending is dropped; two
// queued pings serve no more purpose than one.
func (k *keepalive) run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case k.ticks <- struct{}{}:
			default:
			}
		}
	}
}
