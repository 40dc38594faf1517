// Package errs provides types and support related to web v1 functionality.
package errs

import (
	"errors"
	"net/http"

	"github.com/ardanlabs/utxonode/foundation/blockchain/chain"
	"github.com/ardanlabs/utxonode/foundation/blockchain/validation"
)

// Response is the form used for API responses from failures in the API.
type Response struct {
	Error  string            `json:"error"`
	Kind   string            `json:"kind,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Trusted is used to pass an error during the request through the
// application with web specific context.
type Trusted struct {
	Err    error
	Status int
}

// NewTrusted wraps a provided error with an HTTP status code. This
// function should be used when handlers encounter expected errors.
func NewTrusted(err error, status int) error {
	return &Trusted{err, status}
}

// Error implements the error interface. It uses the default message of the
// wrapped error. This is what will be shown in the services' logs.
func (te *Trusted) Error() string {
	return te.Err.Error()
}

// Unwrap gives access to the wrapped error.
func (te *Trusted) Unwrap() error {
	return te.Err
}

// IsTrusted checks if an error of type Trusted exists.
func IsTrusted(err error) bool {
	var te *Trusted
	return errors.As(err, &te)
}

// GetTrusted returns a copy of the Trusted pointer.
func GetTrusted(err error) *Trusted {
	var te *Trusted
	if !errors.As(err, &te) {
		return nil
	}
	return te
}

// =============================================================================

// NewRule converts an error from processing a block or transaction into a
// trusted error with the status matching its kind. Errors that are not
// rule errors are returned unchanged.
func NewRule(err error) error {
	if errors.Is(err, chain.ErrAlreadyHave) {
		return NewTrusted(err, http.StatusConflict)
	}

	re := validation.GetRuleError(err)
	if re == nil {
		return err
	}

	switch re.Kind {
	case validation.Malformed:
		return NewTrusted(err, http.StatusBadRequest)
	case validation.MissingReference:
		return NewTrusted(err, http.StatusUnprocessableEntity)
	case validation.ResourceExhaustion:
		return NewTrusted(err, http.StatusServiceUnavailable)
	}

	return NewTrusted(err, http.StatusNotAcceptable)
}
