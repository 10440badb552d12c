package booking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/freightline/freightline-go/booking/realtime/mocktesting"
)

func TestCreateOrder(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	client := newTestClient(t, backend)

	order, err := client.CreateOrder(context.Background(), sampleCreateRequest())
	require.NoError(t, err)
	require.Equal(t, "ord_1", order.ID)
	require.Equal(t, "created", order.Status)
	require.Equal(t, 3, order.TotalTrucks)
	require.EqualValues(t, 16000, order.TotalAmount)
	require.Equal(t, 300, order.TimeoutSeconds)
	require.Len(t, order.TruckRequests, 2)
	require.Equal(t, 7, order.BroadcastSummary.TransportersNotified)

	keys := backend.CreateKeys()
	require.Len(t, keys, 1)
	require.NotEmpty(t, keys[0])
}

func TestCreateOrderReusesIdempotencyKeyOnRetry(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	client := newTestClient(t, backend)

	backend.DropNextCreate()
	order, err := client.CreateOrder(context.Background(), sampleCreateRequest())
	require.NoError(t, err)
	require.Equal(t, "ord_1", order.ID)

	keys := backend.CreateKeys()
	require.Len(t, keys, 2)
	require.Equal(t, keys[0], keys[1])
	// The backend deduplicates on the key: one order exists.
	require.Equal(t, 1, backend.CreateCount())
}

func TestCreateOrderCallerSuppliedKeyReplays(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	client := newTestClient(t, backend)

	req := sampleCreateRequest()
	req.IdempotencyKey = "caller-key-1"

	first, err := client.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := client.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, backend.CreateCount())
}

func TestCreateOrderServerRejection(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	client := newTestClient(t, backend)

	backend.FailCreates(409, "price_changed", "quoted price is no longer valid")
	_, err := client.CreateOrder(context.Background(), sampleCreateRequest())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 409, apiErr.HTTPStatus)
	require.Equal(t, "price_changed", apiErr.Code)
	// A definitive rejection is never retried.
	require.Len(t, backend.CreateKeys(), 1)
}

func TestCreateOrderValidation(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	client := newTestClient(t, backend)
	ctx := context.Background()

	req := sampleCreateRequest()
	req.Stops = []RoutePoint{
		{Latitude: 1, Longitude: 1},
		{Latitude: 2, Longitude: 2},
		{Latitude: 3, Longitude: 3},
	}
	_, err := client.CreateOrder(ctx, req)
	require.ErrorIs(t, err, ErrTooManyStops)

	req = sampleCreateRequest()
	req.Pickup = RoutePoint{}
	_, err = client.CreateOrder(ctx, req)
	require.ErrorIs(t, err, ErrInvalidRoute)

	req = sampleCreateRequest()
	req.Vehicles = nil
	_, err = client.CreateOrder(ctx, req)
	require.ErrorIs(t, err, ErrInvalidRoute)

	// Nothing reached the backend.
	require.Empty(t, backend.CreateKeys())
}

func TestCancelOrder(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	client := newTestClient(t, backend)
	ctx := context.Background()

	order, err := client.CreateOrder(ctx, sampleCreateRequest())
	require.NoError(t, err)

	res, err := client.CancelOrder(ctx, order.ID, "changed plans")
	require.NoError(t, err)
	require.Equal(t, 7, res.TransportersNotified)
	require.Equal(t, 42, res.DriversNotified)

	info, err := client.OrderStatus(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, "cancelled", info.Status)
	require.False(t, info.IsActive)
}

func TestOrderStatusUnknownOrder(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	client := newTestClient(t, backend)

	_, err := client.OrderStatus(context.Background(), "ord_missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 404, apiErr.HTTPStatus)
	require.Equal(t, "order_not_found", apiErr.Code)
}
