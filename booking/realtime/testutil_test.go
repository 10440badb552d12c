package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freightline/freightline-go/booking/realtime/mocktesting"
)

type staticTokens struct {
	token string
}

func (s staticTokens) AccessToken(context.Context) (string, error) {
	if s.token == "" {
		return "", errors.New("logged out")
	}
	return s.token, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitForBinding blocks until a stream has bound a handler for event on the
// transport's current link. Tests push exactly once after this, so delivery
// failures surface as missed events instead of being papered over by retries.
func waitForBinding(t *testing.T, tr *Transport, event string) {
	t.Helper()
	require.Eventually(t, func() bool {
		l := tr.currentLink()
		if l == nil {
			return false
		}
		l.mu.RLock()
		defer l.mu.RUnlock()
		return len(l.handlers[event]) > 0
	}, 5*time.Second, 5*time.Millisecond, "no handler bound for %s", event)
}

// awaitEvent receives one event or fails the test.
func awaitEvent[T any](t *testing.T, events <-chan T) T {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

// testOptions wires a transport at test-friendly speeds against the mock
// backend.
func testOptions(b *mocktesting.Backend) Options {
	return Options{
		URL:               b.RealtimeURL(),
		Tokens:            staticTokens{token: "test-token"},
		Logger:            quietLogger(),
		InitialDelay:      10 * time.Millisecond,
		Multiplier:        2.0,
		MaxDelay:          50 * time.Millisecond,
		MaxAttempts:       5,
		HeartbeatInterval: time.Minute,
		HeartbeatTimeout:  time.Minute,
	}
}
