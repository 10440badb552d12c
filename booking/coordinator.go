package booking

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/freightline/freightline-go/booking/realtime"
)

// Update is one lifecycle transition of a tracked order.
type Update struct {
	OrderID string
	State   OrderState
}

// Coordinator is the single source of truth for what is happening with each
// tracked order. It reconciles REST (pull) and socket (push) information and
// exposes a terminal-respecting progression: once an order reaches a
// terminal phase, late events for it are logged and discarded.
type Coordinator struct {
	rest      *Client
	transport *realtime.Transport
	log       *slog.Logger

	mu     sync.Mutex
	orders map[string]OrderState

	updates chan Update
	done    chan struct{}
	wg      sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once

	// All event kinds arrive through one stream so that pushes for an
	// order are applied in arrival order even when kinds interleave.
	events *realtime.Stream[realtime.OrderEvent]
}

func NewCoordinator(rest *Client, transport *realtime.Transport, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		rest:      rest,
		transport: transport,
		log:       logger,
		orders:    make(map[string]OrderState),
		updates:   make(chan Update, 64),
		done:      make(chan struct{}),
	}
}

// Start opens the event stream and begins applying pushes. Idempotent.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.events = realtime.OrderEvents(c.transport)
		c.wg.Add(1)
		go c.loop()
	})
}

// Close stops event processing and unbinds the stream. It does not touch
// the transport; the caller owns that.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.events != nil {
			c.events.Close()
		}
	})
	c.wg.Wait()
}

// Updates delivers every state transition of every tracked order. The
// channel is buffered and latest-wins on overflow.
func (c *Coordinator) Updates() <-chan Update {
	return c.updates
}

// State returns the tracked state of an order.
func (c *Coordinator) State(orderID string) (OrderState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.orders[orderID]
	return st, ok
}

// CreateOrder books the order over REST, starts tracking it, and joins its
// room so pushes begin flowing. A failed room join is logged, not fatal:
// status polling still works with the socket down.
func (c *Coordinator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	order, err := c.rest.CreateOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	st := OrderState{
		Phase:        PhaseCreated,
		TrucksNeeded: order.TotalTrucks,
		TrucksFilled: order.TrucksFilled,
		Status:       order.Status,
	}
	c.mu.Lock()
	c.orders[order.ID] = st
	c.mu.Unlock()
	c.publish(order.ID, st)

	if err := c.transport.JoinRoom(ctx, order.ID); err != nil {
		c.log.Warn("joining order room failed, relying on status polls",
			"order_id", order.ID, "error", err)
	}
	return order, nil
}

// Track starts following an order created elsewhere (app restart, deep
// link) and joins its room.
func (c *Coordinator) Track(ctx context.Context, orderID string) error {
	c.mu.Lock()
	if _, ok := c.orders[orderID]; !ok {
		c.orders[orderID] = OrderState{Phase: PhaseCreated}
	}
	c.mu.Unlock()
	return c.transport.JoinRoom(ctx, orderID)
}

// CancelOrder cancels over REST and pre-empts the local state to Cancelled
// immediately, without waiting for the push confirmation. The later
// order_cancelled push lands in a terminal state and is discarded, which is
// the confirmation no-op.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID, reason string) (*CancelResult, error) {
	res, err := c.rest.CancelOrder(ctx, orderID, reason)
	if err != nil {
		return nil, err
	}
	c.apply(orderID, "rest_cancel", func(cur OrderState) OrderState {
		cur.Phase = PhaseCancelled
		cur.Reason = reason
		cur.Status = "cancelled"
		return cur
	})
	return res, nil
}

// RefreshStatus polls the authoritative status endpoint and reconciles. The
// poll wins over any stale local state: an inactive answer moves a
// non-terminal order straight to the matching terminal phase.
func (c *Coordinator) RefreshStatus(ctx context.Context, orderID string) (*OrderStatusInfo, error) {
	info, err := c.rest.OrderStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	cur, ok := c.orders[orderID]
	if !ok || cur.Phase.Terminal() {
		c.mu.Unlock()
		return info, nil
	}
	next := cur
	next.Status = info.Status
	if !info.IsActive {
		switch strings.ToLower(info.Status) {
		case "expired":
			next.Phase = PhaseExpired
		case "cancelled", "canceled":
			next.Phase = PhaseCancelled
		case "completed":
			next.Phase = PhaseCompleted
		case "filled", "fully_filled":
			next.Phase = PhaseFullyFilled
		default:
			c.log.Warn("inactive order with unrecognized status, keeping phase",
				"order_id", orderID, "status", info.Status)
		}
	}
	changed := next != cur
	if changed {
		c.orders[orderID] = next
	}
	c.mu.Unlock()

	if changed {
		c.publish(orderID, next)
	}
	return info, nil
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events.Events():
			c.applyPush(ev)
		}
	}
}

func (c *Coordinator) applyPush(ev realtime.OrderEvent) {
	switch e := ev.(type) {
	case realtime.OrderExpired:
		c.applyExpired(e)
	case realtime.OrderCancelled:
		c.applyCancelled(e)
	case realtime.BroadcastStateChanged:
		c.applyBroadcast(e)
	case realtime.TrucksRemainingUpdate:
		c.applyTrucksRemaining(e)
	case realtime.BookingFullyFilled:
		c.applyFullyFilled(e)
	case realtime.BookingCompleted:
		c.applyCompleted(e)
	}
}

func (c *Coordinator) applyExpired(ev realtime.OrderExpired) {
	c.apply(ev.OrderID, realtime.EventOrderExpired, func(cur OrderState) OrderState {
		cur.Phase = PhaseExpired
		cur.Status = ev.Status
		if ev.TotalTrucks > 0 {
			cur.TrucksNeeded = ev.TotalTrucks
		}
		cur.TrucksFilled = ev.TrucksFilled
		return cur
	})
}

func (c *Coordinator) applyCancelled(ev realtime.OrderCancelled) {
	c.apply(ev.OrderID, realtime.EventOrderCancelled, func(cur OrderState) OrderState {
		cur.Phase = PhaseCancelled
		cur.Reason = ev.Reason
		cur.Status = ev.Status
		if cur.Status == "" {
			cur.Status = "cancelled"
		}
		return cur
	})
}

// applyBroadcast only ever moves an order forward: a broadcast status
// arriving after fills have started carries no new lifecycle information
// and must not regress PartiallyFilled back to Broadcasting.
func (c *Coordinator) applyBroadcast(ev realtime.BroadcastStateChanged) {
	c.apply(ev.OrderID, realtime.EventBroadcastStateChanged, func(cur OrderState) OrderState {
		if cur.Phase != PhaseCreated && cur.Phase != PhaseBroadcasting {
			return cur
		}
		if ev.Status == realtime.BroadcastBroadcasting || ev.Status == realtime.BroadcastActive {
			cur.Phase = PhaseBroadcasting
		}
		cur.Status = string(ev.Status)
		return cur
	})
}

func (c *Coordinator) applyTrucksRemaining(ev realtime.TrucksRemainingUpdate) {
	c.apply(ev.OrderID, realtime.EventTrucksRemainingUpdate, func(cur OrderState) OrderState {
		cur.TrucksFilled = ev.TrucksFilled
		if ev.TrucksNeeded > 0 {
			cur.TrucksNeeded = ev.TrucksNeeded
		}
		switch {
		case ev.TrucksNeeded > 0 && ev.TrucksFilled >= ev.TrucksNeeded:
			cur.Phase = PhaseFullyFilled
		case ev.TrucksFilled > 0 && ev.TrucksFilled < ev.TrucksNeeded:
			cur.Phase = PhasePartiallyFilled
		}
		return cur
	})
}

func (c *Coordinator) applyFullyFilled(ev realtime.BookingFullyFilled) {
	c.apply(ev.OrderID, realtime.EventBookingFullyFilled, func(cur OrderState) OrderState {
		cur.Phase = PhaseFullyFilled
		return cur
	})
}

func (c *Coordinator) applyCompleted(ev realtime.BookingCompleted) {
	c.apply(ev.OrderID, realtime.EventBookingCompleted, func(cur OrderState) OrderState {
		cur.Phase = PhaseCompleted
		return cur
	})
}

// apply runs the event application rule: unknown orders are dropped, orders
// in a terminal phase never move again, everything else transitions and is
// republished.
func (c *Coordinator) apply(orderID, event string, f func(OrderState) OrderState) {
	c.mu.Lock()
	cur, ok := c.orders[orderID]
	if !ok {
		c.mu.Unlock()
		c.log.Debug("event for untracked order", "order_id", orderID, "event", event)
		return
	}
	if cur.Phase.Terminal() {
		c.mu.Unlock()
		c.log.Info("discarding event for terminal order",
			"order_id", orderID, "event", event, "phase", cur.Phase.String())
		return
	}
	next := f(cur)
	c.orders[orderID] = next
	c.mu.Unlock()

	if next != cur {
		c.publish(orderID, next)
	}
}

// publish pushes an update, dropping the oldest pending one on overflow so
// a slow consumer always sees the freshest state.
func (c *Coordinator) publish(orderID string, st OrderState) {
	u := Update{OrderID: orderID, State: st}
	select {
	case c.updates <- u:
		return
	default:
	}
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- u:
	default:
	}
}
