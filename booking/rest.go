package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const idempotencyHeader = "X-Idempotency-Key"

// Client is the REST order client. Authentication rides on the token
// manager's oauth2 client, so callers never see a raw Authorization header.
type Client struct {
	baseURL string
	tokens  *TokenManager
	timeout time.Duration
	log     *slog.Logger
}

func NewClient(cfg *Config, tokens *TokenManager, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		tokens:  tokens,
		timeout: cfg.HTTPTimeout(),
		log:     logger,
	}
}

// CreateOrderRequest describes a new order. Pickup and Drop are required;
// up to two intermediate Stops are visited in slice order between them.
// IdempotencyKey may be left empty; one is generated and reused across the
// internal retry, so a timed-out create never books twice.
type CreateOrderRequest struct {
	Pickup         RoutePoint
	Drop           RoutePoint
	Stops          []RoutePoint
	DistanceKM     float64
	Vehicles       []VehicleRequirement
	GoodsType      string
	IdempotencyKey string
}

func (r *CreateOrderRequest) routePoints() ([]RoutePoint, error) {
	if r.Pickup.Latitude == 0 && r.Pickup.Longitude == 0 {
		return nil, fmt.Errorf("%w: pickup point required", ErrInvalidRoute)
	}
	if r.Drop.Latitude == 0 && r.Drop.Longitude == 0 {
		return nil, fmt.Errorf("%w: drop point required", ErrInvalidRoute)
	}
	if len(r.Stops) > 2 {
		return nil, ErrTooManyStops
	}
	pts := make([]RoutePoint, 0, len(r.Stops)+2)
	pickup := r.Pickup
	pickup.Type = PointPickup
	pts = append(pts, pickup)
	for _, s := range r.Stops {
		s.Type = PointStop
		pts = append(pts, s)
	}
	drop := r.Drop
	drop.Type = PointDrop
	pts = append(pts, drop)
	return pts, nil
}

type createOrderBody struct {
	RoutePoints         []RoutePoint         `json:"routePoints"`
	DistanceKM          float64              `json:"distanceKm"`
	VehicleRequirements []VehicleRequirement `json:"vehicleRequirements"`
	GoodsType           string               `json:"goodsType,omitempty"`
}

type createOrderResponse struct {
	Order            Order            `json:"order"`
	TruckRequests    []TruckRequest   `json:"truckRequests"`
	BroadcastSummary BroadcastSummary `json:"broadcastSummary"`
	TimeoutSeconds   int              `json:"timeoutSeconds"`
}

// CreateOrder books a new order. On a network-level failure (request may or
// may not have reached the server) it retries once with the same
// idempotency key; the backend deduplicates on the key and replays the
// original response.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	pts, err := req.routePoints()
	if err != nil {
		return nil, err
	}
	if len(req.Vehicles) == 0 {
		return nil, fmt.Errorf("%w: at least one vehicle requirement", ErrInvalidRoute)
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	body := createOrderBody{
		RoutePoints:         pts,
		DistanceKM:          req.DistanceKM,
		VehicleRequirements: req.Vehicles,
		GoodsType:           req.GoodsType,
	}

	var resp createOrderResponse
	err = c.do(ctx, http.MethodPost, "/orders", key, body, &resp)
	if err != nil && retryable(ctx, err) {
		c.log.Warn("order create failed at transport level, retrying with same idempotency key",
			"idempotency_key", key, "error", err)
		err = c.do(ctx, http.MethodPost, "/orders", key, body, &resp)
	}
	if err != nil {
		return nil, err
	}
	order := resp.Order
	order.TruckRequests = resp.TruckRequests
	order.BroadcastSummary = resp.BroadcastSummary
	order.TimeoutSeconds = resp.TimeoutSeconds
	c.log.Info("order created", "order_id", order.ID, "total_trucks", order.TotalTrucks)
	return &order, nil
}

type cancelOrderBody struct {
	Reason string `json:"reason,omitempty"`
}

// CancelOrder asks the backend to cancel an active order.
func (c *Client) CancelOrder(ctx context.Context, orderID, reason string) (*CancelResult, error) {
	var res CancelResult
	path := "/orders/" + url.PathEscape(orderID) + "/cancel"
	if err := c.do(ctx, http.MethodDelete, path, "", cancelOrderBody{Reason: reason}, &res); err != nil {
		return nil, err
	}
	c.log.Info("order cancelled", "order_id", orderID,
		"transporters_notified", res.TransportersNotified, "drivers_notified", res.DriversNotified)
	return &res, nil
}

// OrderStatus polls the authoritative order status.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*OrderStatusInfo, error) {
	var info OrderStatusInfo
	path := "/orders/" + url.PathEscape(orderID) + "/status"
	if err := c.do(ctx, http.MethodGet, path, "", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) do(ctx context.Context, method, path, idemKey string, body, out any) error {
	hc, err := c.tokens.HTTPClient(ctx)
	if err != nil {
		return err
	}
	hc.Timeout = c.timeout

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set(idempotencyHeader, idemKey)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s %s", ErrSessionExpired, method, path)
	}
	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// retryable reports whether a create may be re-sent: only transport-level
// failures qualify. A server rejection already has a definitive answer, and
// a cancelled context means the caller gave up.
func retryable(ctx context.Context, err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNoToken) {
		return false
	}
	return ctx.Err() == nil
}
