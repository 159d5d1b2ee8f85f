// Package gatewayerr defines the error kinds the gateway's components use
// to signal failure categories to callers, without committing to sentinel
// error values per kind. It follows the teacher's plain fmt.Errorf("...: %w")
// wrapping convention, just with an attached Kind so callers can branch on
// errors.As without string-matching messages.
package gatewayerr

import "fmt"

// Kind enumerates the error categories the gateway's core distinguishes.
// These are not type names — several different Go error values can share
// a Kind.
type Kind string

const (
	NotFound            Kind = "not_found"
	Invalid              Kind = "invalid"
	InsufficientFunds    Kind = "insufficient_funds"
	VenueError           Kind = "venue_error"
	NetworkError         Kind = "network_error"
	BundleRejected       Kind = "bundle_rejected"
	ConfirmationTimeout  Kind = "confirmation_timeout"
	Storage              Kind = "storage"
	StrategyError        Kind = "strategy_error"
)

// Error wraps an underlying error with a Kind so callers can branch with
// errors.As without parsing messages.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "logTrade", "placeOrder"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a gatewayerr.Error for the given kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ge, ok := err.(*Error); ok {
			if ge.Kind == kind {
				return true
			}
			err = ge.Err
			continue
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
