package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freightline/freightline-go/booking/realtime/mocktesting"
)

func TestBackoffDelaySequence(t *testing.T) {
	policy := newBackoffPolicy(time.Second, 2.0, 30*time.Second)
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		require.Equal(t, expected, policy.NextBackOff(), "attempt %d", i+1)
	}
}

func TestConnectRequiresToken(t *testing.T) {
	tr := New(Options{URL: "http://127.0.0.1:1", Tokens: staticTokens{}, Logger: quietLogger()})
	err := tr.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
	require.Equal(t, Disconnected, tr.State())
	require.EqualValues(t, 0, tr.Epoch())
}

func TestConnectAndJoinRoom(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	tr := New(testOptions(backend))
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background()))
	require.Equal(t, Connected, tr.State())
	require.EqualValues(t, 1, tr.Epoch())

	require.NoError(t, tr.JoinRoom(context.Background(), "ord_1"))
	require.Eventually(t, func() bool {
		joins := backend.Joins()
		return len(joins) == 1 && joins[0] == "ord_1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectIsIdempotent(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	tr := New(testOptions(backend))
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background()))
	epoch := tr.Epoch()
	require.NoError(t, tr.Connect(context.Background()))
	require.Equal(t, epoch, tr.Epoch())
	require.Equal(t, Connected, tr.State())
}

func TestRejoinAfterServerDrop(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	tr := New(testOptions(backend))
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.JoinRoom(context.Background(), "ord_7"))
	require.Eventually(t, func() bool {
		return len(backend.Joins()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	backend.DropConnections()

	// The join frame is re-sent by the post-connect rejoin step.
	require.Eventually(t, func() bool {
		joins := backend.Joins()
		return len(joins) == 2 && joins[1] == "ord_7"
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, Connected, tr.State())
	// Epoch moved twice: once when the link was lost, once for the new one.
	require.EqualValues(t, 3, tr.Epoch())
}

func TestFailedAfterMaxAttempts(t *testing.T) {
	backend := mocktesting.NewBackend()
	deadURL := backend.RealtimeURL()
	backend.Close()

	tr := New(Options{
		URL:          deadURL,
		Tokens:       staticTokens{token: "test-token"},
		Logger:       quietLogger(),
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxAttempts:  3,
	})
	defer tr.Disconnect()

	err := tr.Connect(context.Background())
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return tr.State() == Failed
	}, 5*time.Second, 10*time.Millisecond)

	// Failed is terminal for Connect.
	require.ErrorIs(t, tr.Connect(context.Background()), ErrTransportFailed)

	// ForceReconnect leaves Failed even when the dial itself fails again.
	require.Error(t, tr.ForceReconnect(context.Background()))
	require.NotEqual(t, Failed, tr.State())
}

func TestForceReconnectReplacesConnection(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	tr := New(testOptions(backend))
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background()))
	before := tr.Epoch()
	require.NoError(t, tr.ForceReconnect(context.Background()))
	require.Equal(t, Connected, tr.State())
	require.Greater(t, tr.Epoch(), before)
}

func TestForceReconnectSupersedesInFlightDial(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	backend.SetHandshakeDelay(300 * time.Millisecond)

	tr := New(testOptions(backend))
	defer tr.Disconnect()

	done := make(chan error, 1)
	go func() { done <- tr.Connect(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	backend.SetHandshakeDelay(0)
	require.NoError(t, tr.ForceReconnect(context.Background()))
	require.Equal(t, Connected, tr.State())
	require.EqualValues(t, 1, tr.Epoch())

	// The stalled dial finishes later. It lost its generation, so it
	// discards the socket it opened instead of replacing the live one.
	require.NoError(t, <-done)
	require.Equal(t, Connected, tr.State())
	require.EqualValues(t, 1, tr.Epoch())
	require.Eventually(t, func() bool {
		return backend.OpenConnections() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHeartbeatTimeoutTriggersReconnect(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	backend.SetRespondPings(false)

	opts := testOptions(backend)
	opts.HeartbeatInterval = 30 * time.Millisecond
	opts.HeartbeatTimeout = 20 * time.Millisecond
	tr := New(opts)
	defer tr.Disconnect()

	changes, cancel := tr.WatchState()
	defer cancel()
	var mu sync.Mutex
	seen := make(map[ConnectionState]bool)
	go func() {
		for sc := range changes {
			mu.Lock()
			seen[sc.State] = true
			mu.Unlock()
		}
	}()

	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[Reconnecting]
	}, 5*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, backend.Pings(), 1)
}

func TestDisconnectStopsEverything(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	tr := New(testOptions(backend))

	require.NoError(t, tr.Connect(context.Background()))
	tr.Disconnect()
	require.Equal(t, Disconnected, tr.State())

	// No reconnect machinery left running: the state holds.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, Disconnected, tr.State())
}

func TestLeaveRoomClearsRejoin(t *testing.T) {
	backend := mocktesting.NewBackend()
	defer backend.Close()
	tr := New(testOptions(backend))
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.JoinRoom(context.Background(), "ord_3"))
	require.Eventually(t, func() bool {
		return len(backend.Joins()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.LeaveRoom("ord_3"))
	require.Eventually(t, func() bool {
		leaves := backend.Leaves()
		return len(leaves) == 1 && leaves[0] == "ord_3"
	}, 2*time.Second, 10*time.Millisecond)

	backend.DropConnections()
	require.Eventually(t, func() bool {
		return tr.State() == Connected && tr.Epoch() == 3
	}, 5*time.Second, 10*time.Millisecond)

	// Room was cleared, so nothing is rejoined.
	time.Sleep(100 * time.Millisecond)
	require.Len(t, backend.Joins(), 1)
}
