package realtime

import (
	"context"
	"time"
)

// heartbeatLoop keeps the connection honest with app-level ping/pong. Every
// interval a ping frame goes out; after the timeout window the last-pong age
// is checked. A pong arriving any time within interval+timeout keeps the
// link alive, so one late pong never forces a reconnect. A stale link is
// closed, which unblocks the reader and routes into the reconnect path.
func (t *Transport) heartbeatLoop(ctx context.Context, l *link) {
	interval := t.opts.HeartbeatInterval
	window := interval + t.opts.HeartbeatTimeout

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := t.sendOn(l, eventPing, nil); err != nil {
			// Write failure surfaces through the reader as well.
			t.log.Warn("ping frame failed", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.opts.HeartbeatTimeout):
		}
		if age := l.pongAge(); age > window {
			t.log.Warn("heartbeat window exceeded, closing connection", "pong_age", age)
			l.conn.Close()
			return
		}
	}
}
