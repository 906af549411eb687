package ports

import (
	"errors"
	"fmt"
)

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these so callers can use errors.Is.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Venue errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrTimestampSkew        = errors.New("request timestamp outside the receive window")
	ErrVenueRejected        = errors.New("request rejected by the exchange")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrInstrumentUnknown    = errors.New("instrument rules not loaded for symbol")

	// Engine errors
	ErrTradingDisabled = errors.New("instrument is not open for trading")
	ErrRiskRejected    = errors.New("action refused by risk rules")
	ErrPolicyFailed    = errors.New("decision policy call failed")

	// Database errors
	ErrQueryFailed  = errors.New("database query failed")
	ErrUpdateFailed = errors.New("database update failed")
)

// ErrorClass groups venue failures by how callers must react.
type ErrorClass int

const (
	// ClassHard is a rejection the caller surfaces as-is.
	ClassHard ErrorClass = iota
	// ClassFatal means credentials or signing are wrong; never retry.
	ClassFatal
	// ClassRecoverable covers clock skew, throttling and transient venue trouble.
	ClassRecoverable
)

func (c ErrorClass) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassRecoverable:
		return "recoverable"
	default:
		return "hard"
	}
}

// VenueError is a non-OK response from the exchange.
type VenueError struct {
	Op      string
	Code    int
	Message string
	Class   ErrorClass
	Kind    error // sentinel this error unwraps to
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s: venue code %d (%s): %s", e.Op, e.Code, e.Class, e.Message)
}

func (e *VenueError) Unwrap() error {
	if e.Kind == nil {
		return ErrVenueRejected
	}
	return e.Kind
}

// IsFatal reports whether err carries a fatal venue classification.
func IsFatal(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve) && ve.Class == ClassFatal
}

// IsRecoverable reports whether err is worth retrying later.
func IsRecoverable(err error) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Class == ClassRecoverable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrRateLimited)
}
