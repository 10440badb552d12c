// Package mocktesting hosts an in-process stand-in for the booking platform:
// the REST order endpoints plus the realtime socket, with hooks for scripted
// event pushes, forced disconnects, and failure injection.
package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusReply scripts the answer of the status endpoint for one order.
type StatusReply struct {
	Status           string
	RemainingSeconds int
	IsActive         bool
}

type createdOrder struct {
	id       string
	response []byte
}

// Backend is the mock platform. Zero scripting gives well-behaved defaults:
// creates succeed, pings are answered, status reports active.
type Backend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu             sync.Mutex
	conns          map[*websocket.Conn]struct{}
	joins          []string
	leaves         []string
	pings          int
	respondPings   bool
	handshakeDelay time.Duration

	seq         int
	createKeys  []string
	createCount int
	byKey       map[string]createdOrder
	statuses    map[string]StatusReply

	createFailStatus int
	createFailCode   string
	createFailMsg    string
	dropNextCreate   bool
}

func NewBackend() *Backend {
	b := &Backend{
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:        make(map[*websocket.Conn]struct{}),
		respondPings: true,
		byKey:        make(map[string]createdOrder),
		statuses:     make(map[string]StatusReply),
	}
	r := chi.NewRouter()
	r.Post("/orders", b.handleCreate)
	r.Delete("/orders/{orderID}/cancel", b.handleCancel)
	r.Get("/orders/{orderID}/status", b.handleStatus)
	r.Get("/realtime", b.handleSocket)
	b.server = httptest.NewServer(r)
	return b
}

func (b *Backend) Close() {
	b.mu.Lock()
	for c := range b.conns {
		c.Close()
	}
	b.mu.Unlock()
	b.server.Close()
}

// BaseURL is the REST base.
func (b *Backend) BaseURL() string {
	return b.server.URL
}

// RealtimeURL is the socket endpoint, http scheme; the transport rewrites
// it to ws at dial time.
func (b *Backend) RealtimeURL() string {
	return b.server.URL + "/realtime"
}

// PushEvent broadcasts one envelope to every connected socket.
func (b *Backend) PushEvent(event string, data any) error {
	env := envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		env.Data = raw
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.WriteMessage(websocket.TextMessage, msg)
	}
	return nil
}

// PushRaw broadcasts an arbitrary text frame, for malformed-payload tests.
func (b *Backend) PushRaw(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.WriteMessage(websocket.TextMessage, []byte(msg))
	}
}

// DropConnections force-closes every socket, simulating a server-side drop.
// The HTTP server keeps running so reconnects succeed.
func (b *Backend) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.Close()
		delete(b.conns, c)
	}
}

// SetRespondPings controls whether ping frames get a pong back.
func (b *Backend) SetRespondPings(v bool) {
	b.mu.Lock()
	b.respondPings = v
	b.mu.Unlock()
}

// SetHandshakeDelay stalls socket upgrades, keeping dials in flight.
func (b *Backend) SetHandshakeDelay(d time.Duration) {
	b.mu.Lock()
	b.handshakeDelay = d
	b.mu.Unlock()
}

// OpenConnections reports how many sockets are currently live.
func (b *Backend) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// FailCreates makes order creation answer with an API error until reset
// with status 0.
func (b *Backend) FailCreates(httpStatus int, code, msg string) {
	b.mu.Lock()
	b.createFailStatus = httpStatus
	b.createFailCode = code
	b.createFailMsg = msg
	b.mu.Unlock()
}

// DropNextCreate kills the next create request at the transport level
// before any response is written, so the client sees a network error.
func (b *Backend) DropNextCreate() {
	b.mu.Lock()
	b.dropNextCreate = true
	b.mu.Unlock()
}

// SetStatus scripts the status endpoint's answer for one order.
func (b *Backend) SetStatus(orderID string, reply StatusReply) {
	b.mu.Lock()
	b.statuses[orderID] = reply
	b.mu.Unlock()
}

// Joins returns the order ids of all join_booking frames received.
func (b *Backend) Joins() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.joins...)
}

// Leaves returns the order ids of all leave_booking frames received.
func (b *Backend) Leaves() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.leaves...)
}

// Pings returns how many ping frames arrived.
func (b *Backend) Pings() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pings
}

// CreateKeys returns every X-Idempotency-Key seen, in arrival order,
// including requests that were dropped or replayed.
func (b *Backend) CreateKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.createKeys...)
}

// CreateCount returns how many distinct orders were actually created.
func (b *Backend) CreateCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createCount
}

func authorized(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeAPIError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}

func (b *Backend) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	key := r.Header.Get("X-Idempotency-Key")

	b.mu.Lock()
	b.createKeys = append(b.createKeys, key)
	if b.dropNextCreate {
		b.dropNextCreate = false
		b.mu.Unlock()
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
				return
			}
		}
		panic("mock backend: response writer does not support hijacking")
	}
	if b.createFailStatus != 0 {
		status, code, msg := b.createFailStatus, b.createFailCode, b.createFailMsg
		b.mu.Unlock()
		writeAPIError(w, status, code, msg)
		return
	}
	if key != "" {
		if prev, ok := b.byKey[key]; ok {
			b.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.Write(prev.response)
			return
		}
	}
	b.mu.Unlock()

	var body struct {
		RoutePoints []struct {
			Type string `json:"type"`
		} `json:"routePoints"`
		VehicleRequirements []struct {
			VehicleType    string `json:"vehicleType"`
			VehicleSubtype string `json:"vehicleSubtype"`
			Quantity       int    `json:"quantity"`
			PricePerTruck  int64  `json:"pricePerTruck"`
		} `json:"vehicleRequirements"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "malformed body")
		return
	}

	totalTrucks := 0
	var totalAmount int64
	truckRequests := make([]map[string]any, 0, len(body.VehicleRequirements))
	for i, vr := range body.VehicleRequirements {
		totalTrucks += vr.Quantity
		totalAmount += int64(vr.Quantity) * vr.PricePerTruck
		truckRequests = append(truckRequests, map[string]any{
			"id":             fmt.Sprintf("req_%d", i+1),
			"vehicleType":    vr.VehicleType,
			"vehicleSubtype": vr.VehicleSubtype,
			"quantity":       vr.Quantity,
			"pricePerTruck":  vr.PricePerTruck,
			"status":         "pending",
		})
	}

	b.mu.Lock()
	b.seq++
	b.createCount++
	orderID := fmt.Sprintf("ord_%d", b.seq)
	resp := map[string]any{
		"order": map[string]any{
			"id":           orderID,
			"status":       "created",
			"totalTrucks":  totalTrucks,
			"trucksFilled": 0,
			"totalAmount":  totalAmount,
			"expiresAt":    time.Now().Add(5 * time.Minute).UTC().Format(time.RFC3339),
			"expiresIn":    300,
		},
		"truckRequests": truckRequests,
		"broadcastSummary": map[string]any{
			"transportersNotified": 7,
			"driversNotified":      42,
		},
		"timeoutSeconds": 300,
	}
	raw, _ := json.Marshal(resp)
	if key != "" {
		b.byKey[key] = createdOrder{id: orderID, response: raw}
	}
	b.statuses[orderID] = StatusReply{Status: "created", RemainingSeconds: 300, IsActive: true}
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (b *Backend) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	orderID := chi.URLParam(r, "orderID")
	b.mu.Lock()
	b.statuses[orderID] = StatusReply{Status: "cancelled", IsActive: false}
	b.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"transportersNotified": 7,
		"driversNotified":      42,
	})
}

func (b *Backend) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	orderID := chi.URLParam(r, "orderID")
	b.mu.Lock()
	reply, ok := b.statuses[orderID]
	b.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "order_not_found", "no such order")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"orderId":          orderID,
		"status":           reply.Status,
		"remainingSeconds": reply.RemainingSeconds,
		"isActive":         reply.IsActive,
		"expiresAt":        time.Now().Add(time.Duration(reply.RemainingSeconds) * time.Second).UTC().Format(time.RFC3339),
	})
}

func (b *Backend) handleSocket(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	b.mu.Lock()
	delay := b.handshakeDelay
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.WriteJSON(envelope{Event: "connected"})
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			delete(b.conns, conn)
			b.mu.Unlock()
			conn.Close()
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		var room struct {
			OrderID string `json:"orderId"`
		}
		switch env.Event {
		case "join_booking":
			json.Unmarshal(env.Data, &room)
			b.mu.Lock()
			b.joins = append(b.joins, room.OrderID)
			b.mu.Unlock()
		case "leave_booking":
			json.Unmarshal(env.Data, &room)
			b.mu.Lock()
			b.leaves = append(b.leaves, room.OrderID)
			b.mu.Unlock()
		case "ping":
			// Written under the lock: pushes also write under it, and
			// gorilla allows only one concurrent writer per connection.
			b.mu.Lock()
			b.pings++
			if b.respondPings {
				conn.WriteJSON(envelope{Event: "pong"})
			}
			b.mu.Unlock()
		}
	}
}
