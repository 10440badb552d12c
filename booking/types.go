package booking

import "time"

// PointType tags a route point's role within an order.
type PointType string

const (
	PointPickup PointType = "PICKUP"
	PointStop   PointType = "STOP"
	PointDrop   PointType = "DROP"
)

// RoutePoint is a single location on the order's route.
type RoutePoint struct {
	Type      PointType `json:"type"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Address   string    `json:"address,omitempty"`
	City      string    `json:"city,omitempty"`
	State     string    `json:"state,omitempty"`
}

// VehicleRequirement asks for Quantity trucks of one vehicle type at a fixed
// per-truck price. Prices are integral rupees, carried opaquely.
type VehicleRequirement struct {
	VehicleType    string `json:"vehicleType"`
	VehicleSubtype string `json:"vehicleSubtype,omitempty"`
	Quantity       int    `json:"quantity"`
	PricePerTruck  int64  `json:"pricePerTruck"`
}

// TruckRequest is one broadcast slot the backend opened for the order.
type TruckRequest struct {
	ID             string `json:"id"`
	VehicleType    string `json:"vehicleType"`
	VehicleSubtype string `json:"vehicleSubtype,omitempty"`
	Quantity       int    `json:"quantity"`
	PricePerTruck  int64  `json:"pricePerTruck"`
	Status         string `json:"status"`
}

// BroadcastSummary reports how widely the order was announced.
type BroadcastSummary struct {
	TransportersNotified int `json:"transportersNotified"`
	DriversNotified      int `json:"driversNotified"`
}

// Order is the backend's view of a created order.
type Order struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	TotalTrucks  int       `json:"totalTrucks"`
	TrucksFilled int       `json:"trucksFilled"`
	TotalAmount  int64     `json:"totalAmount"`
	ExpiresAt    time.Time `json:"expiresAt"`
	ExpiresIn    int       `json:"expiresIn"`

	TruckRequests    []TruckRequest   `json:"-"`
	BroadcastSummary BroadcastSummary `json:"-"`
	TimeoutSeconds   int              `json:"-"`
}

// CancelResult reports who was told about the cancellation.
type CancelResult struct {
	TransportersNotified int `json:"transportersNotified"`
	DriversNotified      int `json:"driversNotified"`
}

// OrderStatusInfo is the poll endpoint's answer. It is authoritative: it was
// fetched fresh while pushed events may be stale.
type OrderStatusInfo struct {
	OrderID          string    `json:"orderId"`
	Status           string    `json:"status"`
	RemainingSeconds int       `json:"remainingSeconds"`
	IsActive         bool      `json:"isActive"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// Phase is the coordinator's view of where an order is in its life.
type Phase int

const (
	PhaseCreated Phase = iota + 1
	PhaseBroadcasting
	PhasePartiallyFilled
	PhaseFullyFilled
	PhaseExpired
	PhaseCancelled
	PhaseCompleted
)

// Terminal reports whether the phase admits no further transitions. Once an
// order is here, late events for it are logged and discarded. FullyFilled is
// terminal for this subsystem; trip tracking takes over from there.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseFullyFilled, PhaseExpired, PhaseCancelled, PhaseCompleted:
		return true
	}
	return false
}

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseBroadcasting:
		return "broadcasting"
	case PhasePartiallyFilled:
		return "partially_filled"
	case PhaseFullyFilled:
		return "fully_filled"
	case PhaseExpired:
		return "expired"
	case PhaseCancelled:
		return "cancelled"
	case PhaseCompleted:
		return "completed"
	}
	return "unknown"
}

// OrderState is the tracked lifecycle state of one order. Status keeps the
// raw wire status string alongside the phase: an expiry event can arrive
// with status "partially_filled" and nonzero fill counts, and the product
// layer decides what that means. The coordinator never guesses.
type OrderState struct {
	Phase        Phase
	TrucksFilled int
	TrucksNeeded int
	Status       string
	Reason       string
}
