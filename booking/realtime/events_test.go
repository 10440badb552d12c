package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderIDAliasResolution(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"orderId wins", `{"orderId":"ord_1","bookingId":"bk_1","broadcastId":"bc_1"}`, "ord_1"},
		{"bookingId next", `{"bookingId":"bk_1","broadcastId":"bc_1"}`, "bk_1"},
		{"broadcastId last", `{"broadcastId":"bc_1"}`, "bc_1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeBookingFullyFilled([]byte(tt.payload))
			require.NoError(t, err)
			require.Equal(t, tt.want, ev.OrderID)
		})
	}
}

func TestMissingAllAliasesIsError(t *testing.T) {
	_, err := decodeBookingFullyFilled([]byte(`{"somethingElse":"x"}`))
	require.ErrorIs(t, err, errNoOrderID)
}

func TestTrucksNeededDerivation(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantNeeded int
		wantFilled int
	}{
		{"direct field", `{"orderId":"o","trucksNeeded":3,"trucksFilled":1}`, 3, 1},
		{"totalTrucks fallback", `{"orderId":"o","totalTrucks":4,"trucksFilled":2}`, 4, 2},
		{"remaining plus filled", `{"orderId":"o","trucksRemaining":2,"trucksFilled":1}`, 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeTrucksRemainingUpdate([]byte(tt.payload))
			require.NoError(t, err)
			require.Equal(t, tt.wantNeeded, ev.TrucksNeeded)
			require.Equal(t, tt.wantFilled, ev.TrucksFilled)
		})
	}

	_, err := decodeTrucksRemainingUpdate([]byte(`{"orderId":"o","trucksFilled":1}`))
	require.Error(t, err)
}

func TestBroadcastStatusClosedSet(t *testing.T) {
	for _, status := range []string{"created", "broadcasting", "active"} {
		ev, err := decodeBroadcastStateChanged([]byte(`{"orderId":"o","status":"` + status + `"}`))
		require.NoError(t, err)
		require.Equal(t, BroadcastStatus(status), ev.Status)
	}

	_, err := decodeBroadcastStateChanged([]byte(`{"orderId":"o","status":"warming_up"}`))
	require.Error(t, err)
}

func TestOrderExpiredCarriesRawStatusAndCounts(t *testing.T) {
	payload := `{"bookingId":"ord_9","status":"partially_filled","expiredAt":"2026-08-30T10:00:00Z","totalTrucks":3,"trucksFilled":2}`
	ev, err := decodeOrderExpired([]byte(payload))
	require.NoError(t, err)
	require.Equal(t, "ord_9", ev.OrderID)
	require.Equal(t, "partially_filled", ev.Status)
	require.Equal(t, 3, ev.TotalTrucks)
	require.Equal(t, 2, ev.TrucksFilled)
	require.False(t, ev.ExpiredAt.IsZero())
}

func TestMalformedTimestampDoesNotDropEvent(t *testing.T) {
	ev, err := decodeOrderCancelled([]byte(`{"orderId":"o","reason":"driver unavailable","cancelledAt":"yesterday"}`))
	require.NoError(t, err)
	require.Equal(t, "driver unavailable", ev.Reason)
	require.True(t, ev.CancelledAt.IsZero())
}
