package realtime

import "sync"

// ConnectionState is where the transport is in its lifecycle.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// StateChange pairs the connection state with the epoch current at the time
// of the change. The epoch increments every time the underlying connection
// object is replaced, so a watcher can tell "same state, new connection"
// apart from a no-op.
type StateChange struct {
	State ConnectionState
	Epoch uint64
}

// stateCell is an observable holder of the current StateChange. Watch
// channels are buffered and latest-wins: when a subscriber lags, the oldest
// pending notification is dropped, never the newest. Watchers re-read
// current state on wakeup, so intermediate values may be skipped safely.
type stateCell struct {
	mu   sync.Mutex
	cur  StateChange
	subs map[chan StateChange]struct{}
}

func newStateCell() *stateCell {
	return &stateCell{subs: make(map[chan StateChange]struct{})}
}

func (c *stateCell) get() StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *stateCell) set(sc StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = sc
	for ch := range c.subs {
		select {
		case ch <- sc:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- sc:
			default:
			}
		}
	}
}

func (c *stateCell) watch() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 8)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}
