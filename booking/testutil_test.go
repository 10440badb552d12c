package booking

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/freightline/freightline-go/booking/realtime"
	"github.com/freightline/freightline-go/booking/realtime/mocktesting"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestTokens returns a manager holding a never-expiring token, so no
// refresh traffic happens during the test.
func newTestTokens(t *testing.T) *TokenManager {
	t.Helper()
	tm := NewTokenManager(&oauth2.Config{}, nil, quietLogger())
	if err := tm.SetToken(&oauth2.Token{AccessToken: "test-token"}); err != nil {
		t.Fatal(err)
	}
	return tm
}

func newTestClient(t *testing.T, backend *mocktesting.Backend) *Client {
	t.Helper()
	cfg := Defaults()
	cfg.APIBaseURL = backend.BaseURL()
	cfg.HTTPTimeoutMS = 5000
	return NewClient(cfg, newTestTokens(t), quietLogger())
}

func newTestTransport(t *testing.T, backend *mocktesting.Backend) *realtime.Transport {
	t.Helper()
	return realtime.New(realtime.Options{
		URL:          backend.RealtimeURL(),
		Tokens:       newTestTokens(t),
		Logger:       quietLogger(),
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
	})
}

func sampleCreateRequest() CreateOrderRequest {
	return CreateOrderRequest{
		Pickup: RoutePoint{Latitude: 12.9716, Longitude: 77.5946, City: "Bengaluru"},
		Drop:   RoutePoint{Latitude: 13.0827, Longitude: 80.2707, City: "Chennai"},
		Vehicles: []VehicleRequirement{
			{VehicleType: "open", VehicleSubtype: "17ft", Quantity: 2, PricePerTruck: 5000},
			{VehicleType: "container", VehicleSubtype: "4ton", Quantity: 1, PricePerTruck: 6000},
		},
		DistanceKM: 346.2,
		GoodsType:  "electronics",
	}
}
