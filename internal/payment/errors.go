package payment

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason is the machine-readable rejection kind returned to clients.
type Reason string

const (
	ReasonMalformedProof       Reason = "MALFORMED_PROOF"
	ReasonUnsupportedScheme    Reason = "UNSUPPORTED_SCHEME"
	ReasonWrongRecipient       Reason = "WRONG_RECIPIENT"
	ReasonInsufficientAmount   Reason = "INSUFFICIENT_AMOUNT"
	ReasonAuthorizationExpired Reason = "AUTHORIZATION_EXPIRED"
	ReasonInvalidSignature     Reason = "INVALID_SIGNATURE"
	ReasonInvalidProof         Reason = "INVALID_PROOF"
	ReasonPaymentNotFound      Reason = "PAYMENT_NOT_FOUND"
	ReasonInsufficientFunds    Reason = "INSUFFICIENT_FUNDS"
	ReasonNonceReused          Reason = "NONCE_REUSED"

	// Infrastructure conditions. Access is denied but the client may retry.
	ReasonChainUnavailable Reason = "CHAIN_UNAVAILABLE"
	ReasonStoreUnavailable Reason = "STORE_UNAVAILABLE"
)

// HTTPStatus maps a reason to the status the gate responds with.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonChainUnavailable, ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusPaymentRequired
	}
}

// Retryable reports whether the reason is an infrastructure condition.
func (r Reason) Retryable() bool {
	return r.HTTPStatus() == http.StatusServiceUnavailable
}

// Error is a rejected payment or a failed verification attempt.
type Error struct {
	Reason Reason
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Reject builds an Error with a formatted detail message.
func Reject(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a rejection.
func Wrap(reason Reason, err error, detail string) *Error {
	return &Error{Reason: reason, Detail: detail, Err: err}
}

// ReasonOf extracts the rejection reason from err. Errors that carry no
// reason are reported as chain unavailability so callers fail closed.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ReasonChainUnavailable
}
