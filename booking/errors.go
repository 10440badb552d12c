package booking

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoToken means no usable access or refresh token is available.
	// The caller has to run the login flow again.
	ErrNoToken = errors.New("no access token available")

	// ErrSessionExpired means the refresh token was rejected or has expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrOrderNotTracked is returned for lifecycle operations on an order
	// the coordinator has never seen.
	ErrOrderNotTracked = errors.New("order not tracked")

	// ErrInvalidRoute covers malformed route point sets (missing pickup or
	// drop, wrong ordering).
	ErrInvalidRoute = errors.New("invalid route")

	// ErrTooManyStops enforces the two-intermediate-stop limit.
	ErrTooManyStops = errors.New("at most two intermediate stops allowed")
)

// APIError is a server-rejected request: the backend answered with an error
// status and, usually, a machine-readable code. Network-level failures are
// returned as wrapped transport errors instead, so callers can distinguish
// "the server said no" from "the request may never have arrived".
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.HTTPStatus, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.HTTPStatus, e.Message)
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireErrorEnvelope struct {
	Error *wireError `json:"error"`
	wireError
}

// parseAPIError extracts code/message from an error body. The backend wraps
// errors as {"error":{"code":...,"message":...}} but some endpoints return
// the flat form; unparseable bodies fall back to a generic message.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{HTTPStatus: status, Message: http.StatusText(status)}
	var env wireErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return apiErr
	}
	we := env.wireError
	if env.Error != nil {
		we = *env.Error
	}
	if we.Code != "" {
		apiErr.Code = we.Code
	}
	if we.Message != "" {
		apiErr.Message = we.Message
	}
	return apiErr
}
