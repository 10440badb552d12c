package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// binding is one registered handler on a link. Holding the returned pointer
// is the unbind handle.
type binding struct {
	event string
	fn    func([]byte)
}

// link wraps one live websocket connection together with the handler
// registry bound to it. A new link is created for every (re)connect; streams
// compare link identity to know when they must rebind.
type link struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string]map[*binding]struct{}

	lastPong atomic.Int64
	hbCancel context.CancelFunc
}

func newLink(conn *websocket.Conn) *link {
	l := &link{
		conn:     conn,
		handlers: make(map[string]map[*binding]struct{}),
	}
	l.lastPong.Store(time.Now().UnixNano())
	return l
}

func (l *link) bind(event string, fn func([]byte)) *binding {
	b := &binding{event: event, fn: fn}
	l.mu.Lock()
	set := l.handlers[event]
	if set == nil {
		set = make(map[*binding]struct{})
		l.handlers[event] = set
	}
	set[b] = struct{}{}
	l.mu.Unlock()
	return b
}

func (l *link) unbind(b *binding) {
	l.mu.Lock()
	if set := l.handlers[b.event]; set != nil {
		delete(set, b)
	}
	l.mu.Unlock()
}

func (l *link) dispatch(event string, payload []byte) {
	l.mu.RLock()
	bindings := make([]*binding, 0, len(l.handlers[event]))
	for b := range l.handlers[event] {
		bindings = append(bindings, b)
	}
	l.mu.RUnlock()
	for _, b := range bindings {
		b.fn(payload)
	}
}

func (l *link) notePong() {
	l.lastPong.Store(time.Now().UnixNano())
}

func (l *link) pongAge() time.Duration {
	return time.Since(time.Unix(0, l.lastPong.Load()))
}

func (l *link) stopHeartbeat() {
	if l.hbCancel != nil {
		l.hbCancel()
	}
}
