package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrNoToken is returned by Connect when the token provider has no
	// usable token. The transport stays Disconnected; nothing is scheduled.
	ErrNoToken = errors.New("no access token for realtime connection")

	// ErrTransportFailed is returned by Connect while the transport is
	// Failed. Only ForceReconnect leaves that state.
	ErrTransportFailed = errors.New("realtime transport failed, force reconnect required")
)

// TokenProvider supplies the bearer token attached to the socket handshake.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// Options configures a Transport. Zero values fall back to production
// defaults.
type Options struct {
	// URL is the realtime endpoint. http/https schemes are rewritten to
	// ws/wss at dial time.
	URL    string
	Tokens TokenProvider
	Logger *slog.Logger
	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer

	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.Multiplier <= 0 {
		o.Multiplier = 2.0
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 10 * time.Second
	}
}

// newBackoffPolicy builds the reconnect delay policy. Randomization is
// zero, so the delay for attempt n is exactly min(initial * mult^(n-1), max).
func newBackoffPolicy(initial time.Duration, multiplier float64, max time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Transport maintains one websocket connection to the realtime service,
// reconnecting with exponential backoff, keeping it alive with app-level
// ping/pong, and rejoining the current order room after every reconnect.
// At most one backoff timer is outstanding at any time.
type Transport struct {
	opts Options
	log  *slog.Logger
	cell *stateCell

	mu          sync.Mutex
	link        *link
	epoch       uint64
	attempts    int
	bo          *backoff.ExponentialBackOff
	currentRoom string
	retryTimer  *time.Timer
	closed      bool
	dialing     bool
	dialGen     uint64
}

func New(opts Options) *Transport {
	opts.withDefaults()
	return &Transport{
		opts:   opts,
		log:    opts.Logger,
		cell:   newStateCell(),
		bo:     newBackoffPolicy(opts.InitialDelay, opts.Multiplier, opts.MaxDelay),
		closed: true,
	}
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	return t.cell.get().State
}

// Epoch returns the current connection epoch.
func (t *Transport) Epoch() uint64 {
	return t.cell.get().Epoch
}

// WatchState returns a channel of state changes plus a cancel func. The
// channel is latest-wins; read current state after each wakeup.
func (t *Transport) WatchState() (<-chan StateChange, func()) {
	return t.cell.watch()
}

// Connect opens the socket. No-op when already Connected or Connecting.
// Returns ErrNoToken without dialing when no token is available, and
// ErrTransportFailed while Failed. A dial failure schedules a reconnect and
// is returned for visibility.
func (t *Transport) Connect(ctx context.Context) error {
	switch t.cell.get().State {
	case Connected, Connecting:
		return nil
	case Failed:
		return ErrTransportFailed
	}
	tok, err := t.token(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.dialing {
		t.mu.Unlock()
		return nil
	}
	st := t.cell.get().State
	if st == Connected || st == Connecting {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	t.cancelRetryLocked()
	gen := t.nextDialLocked()
	t.setStateLocked(Connecting)
	t.mu.Unlock()

	return t.dial(ctx, tok, gen)
}

// ForceReconnect tears down any current connection, resets the backoff
// policy and attempt counter, and dials immediately. This is the only way
// out of Failed. Starting a new dial generation invalidates any dial still
// in flight, so the superseded connection is discarded on arrival.
func (t *Transport) ForceReconnect(ctx context.Context) error {
	tok, err := t.token(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.closed = false
	t.cancelRetryLocked()
	old := t.link
	t.link = nil
	if old != nil {
		t.epoch++
	}
	t.attempts = 0
	t.bo.Reset()
	gen := t.nextDialLocked()
	t.setStateLocked(Connecting)
	t.mu.Unlock()

	if old != nil {
		old.stopHeartbeat()
		old.conn.Close()
	}
	return t.dial(ctx, tok, gen)
}

// Disconnect closes the connection and cancels all reconnect and heartbeat
// work synchronously. The transport stays Disconnected until Connect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.closed = true
	t.cancelRetryLocked()
	old := t.link
	t.link = nil
	if old != nil {
		t.epoch++
	}
	t.attempts = 0
	t.bo.Reset()
	t.setStateLocked(Disconnected)
	t.mu.Unlock()

	if old != nil {
		old.stopHeartbeat()
		old.conn.Close()
	}
	t.log.Info("realtime transport disconnected")
}

// JoinRoom makes orderID the current room. When connected the join frame
// goes out immediately; otherwise a connect attempt starts and the join is
// deferred to the post-connect rejoin step.
func (t *Transport) JoinRoom(ctx context.Context, orderID string) error {
	t.mu.Lock()
	t.currentRoom = orderID
	l := t.link
	connected := t.cell.get().State == Connected
	t.mu.Unlock()

	if connected && l != nil {
		return t.sendOn(l, eventJoinBooking, roomPayload{OrderID: orderID})
	}
	return t.Connect(ctx)
}

// LeaveRoom clears the current room when it matches orderID and tells the
// server. The leave frame is sent even when orderID is not the current
// room; the server tolerates redundant leaves.
func (t *Transport) LeaveRoom(orderID string) error {
	t.mu.Lock()
	if t.currentRoom == orderID {
		t.currentRoom = ""
	}
	l := t.link
	connected := t.cell.get().State == Connected
	t.mu.Unlock()

	if connected && l != nil {
		return t.sendOn(l, eventLeaveBooking, roomPayload{OrderID: orderID})
	}
	return nil
}

func (t *Transport) token(ctx context.Context) (string, error) {
	tok, err := t.opts.Tokens.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoToken, err)
	}
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// wsURL rewrites http/https endpoints to their websocket schemes.
func wsURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// nextDialLocked stamps a new dial generation. Exactly one dial per
// generation may install its connection; any older in-flight dial finds
// itself superseded on completion and discards what it opened. Caller holds
// t.mu.
func (t *Transport) nextDialLocked() uint64 {
	t.dialing = true
	t.dialGen++
	return t.dialGen
}

func (t *Transport) dial(ctx context.Context, token string, gen uint64) error {
	dialer := t.opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	u := wsURL(t.opts.URL) + "?session=" + uuid.NewString()

	conn, resp, err := dialer.DialContext(ctx, u, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.mu.Lock()
	if t.closed || gen != t.dialGen {
		// Superseded while dialing: a newer dial owns the transport now.
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	t.dialing = false
	if err != nil {
		t.scheduleReconnectLocked()
		t.mu.Unlock()
		return fmt.Errorf("dial realtime endpoint: %w", err)
	}

	l := newLink(conn)
	hbCtx, hbCancel := context.WithCancel(context.Background())
	l.hbCancel = hbCancel
	t.link = l
	t.epoch++
	t.attempts = 0
	t.bo.Reset()
	t.setStateLocked(Connected)
	room := t.currentRoom
	t.mu.Unlock()

	t.log.Info("realtime connection established", "epoch", t.Epoch())
	if room != "" {
		if err := t.sendOn(l, eventJoinBooking, roomPayload{OrderID: room}); err != nil {
			t.log.Warn("rejoin frame failed", "order_id", room, "error", err)
		}
	}
	go t.readLoop(l)
	go t.heartbeatLoop(hbCtx, l)
	return nil
}

// scheduleReconnectLocked arms the single backoff timer, or flips to Failed
// once the attempt budget is spent. Caller holds t.mu.
func (t *Transport) scheduleReconnectLocked() {
	if t.closed {
		return
	}
	t.attempts++
	if t.attempts > t.opts.MaxAttempts {
		t.setStateLocked(Failed)
		t.log.Warn("reconnect attempts exhausted, giving up", "attempts", t.attempts-1)
		return
	}
	delay := t.bo.NextBackOff()
	t.setStateLocked(Reconnecting)
	t.cancelRetryLocked()
	t.retryTimer = time.AfterFunc(delay, t.retryConnect)
	t.log.Info("reconnect scheduled", "attempt", t.attempts, "delay", delay)
}

func (t *Transport) cancelRetryLocked() {
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
}

func (t *Transport) retryConnect() {
	t.mu.Lock()
	if t.closed || t.cell.get().State != Reconnecting {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tok, err := t.token(ctx)
	if err != nil {
		t.log.Warn("no token for reconnect attempt", "error", err)
		t.mu.Lock()
		t.scheduleReconnectLocked()
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	if t.closed || t.cell.get().State != Reconnecting {
		t.mu.Unlock()
		return
	}
	gen := t.nextDialLocked()
	t.setStateLocked(Connecting)
	t.mu.Unlock()

	if err := t.dial(ctx, tok, gen); err != nil {
		t.log.Warn("reconnect attempt failed", "error", err)
	}
}

// linkClosed handles a reader's exit. Stale links (already replaced) are
// ignored so a late close from an old connection cannot tear down a new one.
func (t *Transport) linkClosed(l *link, err error) {
	l.stopHeartbeat()
	t.mu.Lock()
	if t.link != l {
		t.mu.Unlock()
		return
	}
	t.link = nil
	t.epoch++
	l.conn.Close()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.log.Warn("realtime connection lost", "error", err)
	t.scheduleReconnectLocked()
	t.mu.Unlock()
}

func (t *Transport) readLoop(l *link) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			t.linkClosed(l, err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Warn("dropping unparseable frame", "error", err)
			continue
		}
		switch env.Event {
		case EventPong:
			l.notePong()
		case EventConnected:
			t.log.Debug("server acknowledged connection")
		case EventError:
			t.log.Warn("server error event", "payload", string(env.Data))
		case "":
			t.log.Warn("dropping frame without event name")
		default:
			l.dispatch(env.Event, env.Data)
		}
	}
}

func (t *Transport) sendOn(l *link, event string, data any) error {
	env := envelope{Event: event}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s frame: %w", event, err)
		}
		env.Data = b
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s frame: %w", event, err)
	}
	return nil
}

func (t *Transport) setStateLocked(s ConnectionState) {
	t.cell.set(StateChange{State: s, Epoch: t.epoch})
}

func (t *Transport) currentLink() *link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link
}
