package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Server event names. The realtime channel speaks JSON envelopes of the form
// {"event": <name>, "data": {...}}.
const (
	EventConnected             = "connected"
	EventPong                  = "pong"
	EventError                 = "error"
	EventOrderExpired          = "order_expired"
	EventOrderCancelled        = "order_cancelled"
	EventBroadcastStateChanged = "broadcast_state_changed"
	EventTrucksRemainingUpdate = "trucks_remaining_update"
	EventBookingFullyFilled    = "booking_fully_filled"
	EventBookingCompleted      = "booking_completed"
)

// Client frame names.
const (
	eventJoinBooking  = "join_booking"
	eventLeaveBooking = "leave_booking"
	eventPing         = "ping"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type roomPayload struct {
	OrderID string `json:"orderId"`
}

var errNoOrderID = errors.New("no order identifier in payload")

// OrderEvent is implemented by every decoded server event. OrderRef returns
// the resolved order identifier the event is about.
type OrderEvent interface {
	OrderRef() string
}

func (e OrderExpired) OrderRef() string          { return e.OrderID }
func (e OrderCancelled) OrderRef() string        { return e.OrderID }
func (e BroadcastStateChanged) OrderRef() string { return e.OrderID }
func (e TrucksRemainingUpdate) OrderRef() string { return e.OrderID }
func (e BookingFullyFilled) OrderRef() string    { return e.OrderID }
func (e BookingCompleted) OrderRef() string      { return e.OrderID }

// wireIDs covers the identifier aliases the backend uses interchangeably.
// Resolution order is fixed: orderId, then bookingId, then broadcastId.
type wireIDs struct {
	OrderID     string `json:"orderId"`
	BookingID   string `json:"bookingId"`
	BroadcastID string `json:"broadcastId"`
}

func (w wireIDs) resolve() (string, error) {
	switch {
	case w.OrderID != "":
		return w.OrderID, nil
	case w.BookingID != "":
		return w.BookingID, nil
	case w.BroadcastID != "":
		return w.BroadcastID, nil
	}
	return "", errNoOrderID
}

// parseTime is lenient: event timestamps are advisory, so a malformed one
// yields a zero time rather than dropping the whole event.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// OrderExpired reports that the broadcast window elapsed. Status is the raw
// wire status; it can read "partially_filled" with nonzero fill counts, and
// consumers decide what a partial expiry means.
type OrderExpired struct {
	OrderID      string
	Status       string
	ExpiredAt    time.Time
	TotalTrucks  int
	TrucksFilled int
}

func decodeOrderExpired(data []byte) (OrderExpired, error) {
	var w struct {
		wireIDs
		Status       string `json:"status"`
		ExpiredAt    string `json:"expiredAt"`
		TotalTrucks  int    `json:"totalTrucks"`
		TrucksFilled int    `json:"trucksFilled"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return OrderExpired{}, fmt.Errorf("decode %s: %w", EventOrderExpired, err)
	}
	id, err := w.resolve()
	if err != nil {
		return OrderExpired{}, err
	}
	return OrderExpired{
		OrderID:      id,
		Status:       w.Status,
		ExpiredAt:    parseTime(w.ExpiredAt),
		TotalTrucks:  w.TotalTrucks,
		TrucksFilled: w.TrucksFilled,
	}, nil
}

// OrderCancelled reports a cancellation, whether customer- or
// server-initiated.
type OrderCancelled struct {
	OrderID     string
	Status      string
	Reason      string
	CancelledAt time.Time
}

func decodeOrderCancelled(data []byte) (OrderCancelled, error) {
	var w struct {
		wireIDs
		Status      string `json:"status"`
		Reason      string `json:"reason"`
		CancelledAt string `json:"cancelledAt"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return OrderCancelled{}, fmt.Errorf("decode %s: %w", EventOrderCancelled, err)
	}
	id, err := w.resolve()
	if err != nil {
		return OrderCancelled{}, err
	}
	return OrderCancelled{
		OrderID:     id,
		Status:      w.Status,
		Reason:      w.Reason,
		CancelledAt: parseTime(w.CancelledAt),
	}, nil
}

// BroadcastStatus is the closed set of broadcast lifecycle statuses. Any
// other string on the wire is a decode error, never coerced.
type BroadcastStatus string

const (
	BroadcastCreated      BroadcastStatus = "created"
	BroadcastBroadcasting BroadcastStatus = "broadcasting"
	BroadcastActive       BroadcastStatus = "active"
)

// BroadcastStateChanged reports the broadcast moving between statuses.
type BroadcastStateChanged struct {
	OrderID string
	Status  BroadcastStatus
}

func decodeBroadcastStateChanged(data []byte) (BroadcastStateChanged, error) {
	var w struct {
		wireIDs
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return BroadcastStateChanged{}, fmt.Errorf("decode %s: %w", EventBroadcastStateChanged, err)
	}
	id, err := w.resolve()
	if err != nil {
		return BroadcastStateChanged{}, err
	}
	switch BroadcastStatus(w.Status) {
	case BroadcastCreated, BroadcastBroadcasting, BroadcastActive:
	default:
		return BroadcastStateChanged{}, fmt.Errorf("unknown broadcast status %q", w.Status)
	}
	return BroadcastStateChanged{OrderID: id, Status: BroadcastStatus(w.Status)}, nil
}

// TrucksRemainingUpdate reports fill progress. TrucksNeeded is always
// populated: the wire carries it directly, or as totalTrucks, or it is
// derived from trucksRemaining + trucksFilled.
type TrucksRemainingUpdate struct {
	OrderID      string
	TrucksNeeded int
	TrucksFilled int
}

func decodeTrucksRemainingUpdate(data []byte) (TrucksRemainingUpdate, error) {
	var w struct {
		wireIDs
		TrucksNeeded    *int `json:"trucksNeeded"`
		TotalTrucks     *int `json:"totalTrucks"`
		TrucksRemaining *int `json:"trucksRemaining"`
		TrucksFilled    int  `json:"trucksFilled"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return TrucksRemainingUpdate{}, fmt.Errorf("decode %s: %w", EventTrucksRemainingUpdate, err)
	}
	id, err := w.resolve()
	if err != nil {
		return TrucksRemainingUpdate{}, err
	}
	var needed int
	switch {
	case w.TrucksNeeded != nil:
		needed = *w.TrucksNeeded
	case w.TotalTrucks != nil:
		needed = *w.TotalTrucks
	case w.TrucksRemaining != nil:
		needed = *w.TrucksRemaining + w.TrucksFilled
	default:
		return TrucksRemainingUpdate{}, fmt.Errorf("no trucks-needed information in %s", EventTrucksRemainingUpdate)
	}
	return TrucksRemainingUpdate{OrderID: id, TrucksNeeded: needed, TrucksFilled: w.TrucksFilled}, nil
}

// BookingFullyFilled reports all trucks assigned.
type BookingFullyFilled struct {
	OrderID string
}

func decodeBookingFullyFilled(data []byte) (BookingFullyFilled, error) {
	var w wireIDs
	if err := json.Unmarshal(data, &w); err != nil {
		return BookingFullyFilled{}, fmt.Errorf("decode %s: %w", EventBookingFullyFilled, err)
	}
	id, err := w.resolve()
	if err != nil {
		return BookingFullyFilled{}, err
	}
	return BookingFullyFilled{OrderID: id}, nil
}

// BookingCompleted reports the trip(s) finished.
type BookingCompleted struct {
	OrderID     string
	CompletedAt time.Time
}

func decodeBookingCompleted(data []byte) (BookingCompleted, error) {
	var w struct {
		wireIDs
		CompletedAt string `json:"completedAt"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return BookingCompleted{}, fmt.Errorf("decode %s: %w", EventBookingCompleted, err)
	}
	id, err := w.resolve()
	if err != nil {
		return BookingCompleted{}, err
	}
	return BookingCompleted{OrderID: id, CompletedAt: parseTime(w.CompletedAt)}, nil
}
