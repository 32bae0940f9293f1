package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ConnectionError covers network, handshake and auth failures talking to an
// exchange. Transient causes are retried by the backoff machinery; fatal
// causes (auth, invalid symbol) mark the connector as errored.
type ConnectionError struct {
	Exchange string
	Op       string
	Fatal    bool
	Err      error
}

func (e *ConnectionError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s: %s connection error during %s: %v", e.Exchange, kind, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NewConnectionError wraps err as a retryable connection failure.
func NewConnectionError(exchange, op string, err error) *ConnectionError {
	return &ConnectionError{Exchange: exchange, Op: op, Err: err}
}

// NewFatalConnectionError wraps err as a non-retryable connection failure.
func NewFatalConnectionError(exchange, op string, err error) *ConnectionError {
	return &ConnectionError{Exchange: exchange, Op: op, Fatal: true, Err: err}
}

// IsRetryable reports whether err should be handed back to the retry/backoff
// machinery rather than surfaced immediately.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return !ce.Fatal
	}
	return false
}

// ValidationError rejects a structurally invalid order before any network
// call is made. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

// OrderRejectedError carries an exchange business-rule rejection verbatim.
type OrderRejectedError struct {
	Exchange string
	Code     string
	Message  string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("%s rejected order (%s): %s", e.Exchange, e.Code, e.Message)
}

// LegOutcome reports the result of one leg of a split order.
type LegOutcome struct {
	Exchange string
	Quantity decimal.Decimal
	Result   *OrderResult
	Err      error
}

// PartialExecutionError reports a split order where some legs failed. The
// per-leg outcomes let the caller decide on compensating action.
type PartialExecutionError struct {
	OrderID string
	Legs    []LegOutcome
}

func (e *PartialExecutionError) Error() string {
	failed := 0
	for _, l := range e.Legs {
		if l.Err != nil {
			failed++
		}
	}
	return fmt.Sprintf("order %s: %d of %d legs failed", e.OrderID, failed, len(e.Legs))
}

// CapacityError rejects a registration at the call boundary with no side
// effects: duplicate id or fleet already at its configured maximum.
type CapacityError struct {
	ExchangeID string
	Reason     string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("cannot register %s: %s", e.ExchangeID, e.Reason)
}

// ErrNotConnected is returned by request methods on a connector whose
// session is down and not currently usable.
var ErrNotConnected = errors.New("connector not connected")

// ErrOrderNotFound is returned by GetOrder when the exchange has no record
// of the order id.
var ErrOrderNotFound = errors.New("order not found")
