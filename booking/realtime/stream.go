package realtime

import (
	"log/slog"
	"sync"
)

// streamSpec pairs one server event name with its decoder.
type streamSpec[T any] struct {
	event  string
	decode func([]byte) (T, error)
}

// Stream is a reconnect-safe subscription to one or more server event
// kinds. It tracks which link it is bound to and rebinds whenever a state
// change shows the transport's current link differs, so subscribers keep
// receiving events across reconnects without doing anything. Decode
// failures are logged with the event name and dropped; the stream keeps
// running.
type Stream[T any] struct {
	t     *Transport
	specs []streamSpec[T]
	log   *slog.Logger

	out  chan T
	done chan struct{}
	once sync.Once
}

func newStream[T any](t *Transport, specs ...streamSpec[T]) *Stream[T] {
	s := &Stream[T]{
		t:     t,
		specs: specs,
		log:   t.log,
		out:   make(chan T, 32),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Events is the receive side. The channel is buffered; a subscriber that
// stops reading loses events, not the connection.
func (s *Stream[T]) Events() <-chan T {
	return s.out
}

// Close unbinds the stream. Safe to call more than once.
func (s *Stream[T]) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Stream[T]) run() {
	changes, cancel := s.t.WatchState()
	defer cancel()

	var bound *link
	var bindings []*binding
	unbindAll := func() {
		for _, b := range bindings {
			bound.unbind(b)
		}
		bound, bindings = nil, nil
	}
	rebind := func() {
		cur := s.t.currentLink()
		if cur == bound {
			return
		}
		if bound != nil {
			unbindAll()
		}
		if cur != nil {
			for _, spec := range s.specs {
				spec := spec
				bindings = append(bindings, cur.bind(spec.event, func(payload []byte) {
					s.deliver(spec, payload)
				}))
			}
			bound = cur
		}
	}
	rebind()

	for {
		select {
		case <-s.done:
			if bound != nil {
				unbindAll()
			}
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			rebind()
		}
	}
}

func (s *Stream[T]) deliver(spec streamSpec[T], payload []byte) {
	v, err := spec.decode(payload)
	if err != nil {
		s.log.Warn("dropping undecodable event", "event", spec.event, "error", err)
		return
	}
	select {
	case s.out <- v:
	default:
		s.log.Warn("subscriber lagging, dropping event", "event", spec.event)
	}
}

// ExpiredEvents streams order_expired events.
func ExpiredEvents(t *Transport) *Stream[OrderExpired] {
	return newStream(t, streamSpec[OrderExpired]{EventOrderExpired, decodeOrderExpired})
}

// CancelledEvents streams order_cancelled events.
func CancelledEvents(t *Transport) *Stream[OrderCancelled] {
	return newStream(t, streamSpec[OrderCancelled]{EventOrderCancelled, decodeOrderCancelled})
}

// BroadcastEvents streams broadcast_state_changed events.
func BroadcastEvents(t *Transport) *Stream[BroadcastStateChanged] {
	return newStream(t, streamSpec[BroadcastStateChanged]{EventBroadcastStateChanged, decodeBroadcastStateChanged})
}

// TrucksRemainingEvents streams trucks_remaining_update events.
func TrucksRemainingEvents(t *Transport) *Stream[TrucksRemainingUpdate] {
	return newStream(t, streamSpec[TrucksRemainingUpdate]{EventTrucksRemainingUpdate, decodeTrucksRemainingUpdate})
}

// FullyFilledEvents streams booking_fully_filled events.
func FullyFilledEvents(t *Transport) *Stream[BookingFullyFilled] {
	return newStream(t, streamSpec[BookingFullyFilled]{EventBookingFullyFilled, decodeBookingFullyFilled})
}

// CompletedEvents streams booking_completed events.
func CompletedEvents(t *Transport) *Stream[BookingCompleted] {
	return newStream(t, streamSpec[BookingCompleted]{EventBookingCompleted, decodeBookingCompleted})
}

// OrderEvents streams all lifecycle event kinds through one channel. All
// bindings feed the same buffer from the connection's read loop, so events
// for an order are delivered in arrival order even across kinds.
func OrderEvents(t *Transport) *Stream[OrderEvent] {
	return newStream(t,
		streamSpec[OrderEvent]{EventOrderExpired, asOrderEvent(decodeOrderExpired)},
		streamSpec[OrderEvent]{EventOrderCancelled, asOrderEvent(decodeOrderCancelled)},
		streamSpec[OrderEvent]{EventBroadcastStateChanged, asOrderEvent(decodeBroadcastStateChanged)},
		streamSpec[OrderEvent]{EventTrucksRemainingUpdate, asOrderEvent(decodeTrucksRemainingUpdate)},
		streamSpec[OrderEvent]{EventBookingFullyFilled, asOrderEvent(decodeBookingFullyFilled)},
		streamSpec[OrderEvent]{EventBookingCompleted, asOrderEvent(decodeBookingCompleted)},
	)
}

func asOrderEvent[E OrderEvent](decode func([]byte) (E, error)) func([]byte) (OrderEvent, error) {
	return func(payload []byte) (OrderEvent, error) {
		ev, err := decode(payload)
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
}
