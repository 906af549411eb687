package venueclient

import (
	"fmt"
	"net/http"
	"strings"

	"perpExecBot/internal/ports"
)

type outcome int

const (
	outcomeOK outcome = iota
	outcomeAlreadySet
	outcomeNoOp
	outcomeFailed
)

// Venue return codes the engine reacts to.
const (
	codeOK                 = 0
	codeParamError         = 10001
	codeInvalidSign        = 10002
	codeInvalidKey         = 10003
	codeTimestamp          = 10004
	codePermissionDenied   = 10005
	codeTooManyVisits      = 10006
	codeServerBusy         = 10016
	codeIPRateLimit        = 10018
	codeLeverageNotChanged = 110043
	codeModeNotChanged     = 110025
	codeInsufficientFunds  = 110007
	codeOrderNotExists     = 110001
)

// classify maps a venue return code to an outcome. Only outcomeFailed carries an error.
func classify(op string, code int, msg string) (outcome, *ports.VenueError) {
	switch code {
	case codeOK:
		return outcomeOK, nil
	case codeLeverageNotChanged, codeModeNotChanged:
		return outcomeAlreadySet, nil
	case codeParamError:
		if strings.Contains(strings.ToLower(msg), "zero position") {
			return outcomeNoOp, nil
		}
		return outcomeFailed, &ports.VenueError{Op: op, Code: code, Message: msg, Class: ports.ClassHard, Kind: ports.ErrInvalidRequest}
	}

	verr := &ports.VenueError{Op: op, Code: code, Message: msg, Class: ports.ClassHard, Kind: ports.ErrVenueRejected}
	switch code {
	case codeInvalidSign:
		verr.Class, verr.Kind = ports.ClassFatal, ports.ErrAuthenticationFailed
	case codeInvalidKey, codePermissionDenied:
		verr.Class, verr.Kind = ports.ClassFatal, ports.ErrInvalidAPIKeys
	case codeTimestamp:
		verr.Class, verr.Kind = ports.ClassRecoverable, ports.ErrTimestampSkew
	case codeTooManyVisits, codeIPRateLimit:
		verr.Class, verr.Kind = ports.ClassRecoverable, ports.ErrRateLimited
	case codeServerBusy:
		verr.Class, verr.Kind = ports.ClassRecoverable, ports.ErrExchangeUnavailable
	case codeInsufficientFunds:
		verr.Kind = ports.ErrInsufficientFunds
	case codeOrderNotExists:
		verr.Kind = ports.ErrOrderNotFound
	}
	return outcomeFailed, verr
}

// classifyHTTP turns non-2xx transport statuses into errors before the body is decoded.
func classifyHTTP(status int, path string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status == http.StatusForbidden:
		return fmt.Errorf("%s returned HTTP %d: %w", path, status, ports.ErrRateLimited)
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%s returned HTTP %d: %w", path, status, ports.ErrAuthenticationFailed)
	case status >= 500:
		return fmt.Errorf("%s returned HTTP %d: %w", path, status, ports.ErrExchangeUnavailable)
	default:
		return fmt.Errorf("%s returned HTTP %d: %w", path, status, ports.ErrInvalidRequest)
	}
}
