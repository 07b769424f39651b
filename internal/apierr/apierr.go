// Package apierr carries the error taxonomy from spec §7 and maps each
// kind to an HTTP status code and a {detail: "<code>"} wire body.
//
// Grounded on pkg/database/errors.go's sentinel-error style, generalized
// to the full request-boundary taxonomy, and on fida/auth.py's
// HTTPException(status_code=..., detail=...) shape for the response
// format.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the closed taxonomy of error kinds from spec §7.
type Kind string

const (
	KindConfig           Kind = "ConfigError"
	KindAuthMissing      Kind = "AuthMissing"
	KindAuthInvalid      Kind = "AuthInvalid"
	KindAuthzDenied      Kind = "AuthzDenied"
	KindNotFound         Kind = "NotFound"
	KindConflict         Kind = "Conflict"
	KindPayloadTooLarge  Kind = "PayloadTooLarge"
	KindRateLimited      Kind = "RateLimited"
	KindQuotaExceeded    Kind = "QuotaExceeded"
	KindValidation       Kind = "Validation"
	KindIntegrityViolate Kind = "IntegrityViolation"
	KindCrypto           Kind = "CryptoError"
	KindTimeout          Kind = "Timeout"
	KindInternal         Kind = "Internal"
)

// status maps each kind to its HTTP status code per spec §7.
var status = map[Kind]int{
	KindConfig:           http.StatusInternalServerError,
	KindAuthMissing:      http.StatusUnauthorized,
	KindAuthInvalid:      http.StatusForbidden,
	KindAuthzDenied:      http.StatusForbidden,
	KindNotFound:         http.StatusNotFound,
	KindConflict:         http.StatusConflict,
	KindPayloadTooLarge:  http.StatusRequestEntityTooLarge,
	KindRateLimited:      http.StatusTooManyRequests,
	KindQuotaExceeded:    http.StatusPaymentRequired,
	KindValidation:       http.StatusBadRequest,
	KindIntegrityViolate: http.StatusInternalServerError,
	KindCrypto:           http.StatusInternalServerError,
	KindTimeout:          http.StatusServiceUnavailable,
	KindInternal:         http.StatusInternalServerError,
}

// userVisible is the set of kinds whose detail code is safe to return
// to the caller verbatim, per spec §7's propagation policy. Everything
// else is logged with a request id and surfaced as a generic internal
// error.
var userVisible = map[Kind]bool{
	KindValidation:      true,
	KindAuthMissing:     true,
	KindAuthInvalid:     true,
	KindAuthzDenied:     true,
	KindNotFound:        true,
	KindConflict:        true,
	KindPayloadTooLarge: true,
	KindRateLimited:     true,
	KindQuotaExceeded:   true,
}

// Error is a structured API error carrying a kind, a machine-readable
// detail code, and an optional wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with the given kind and detail code.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an Error that carries an underlying cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// Status returns the HTTP status code for kind.
func Status(kind Kind) int {
	if s, ok := status[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WriteHTTP writes the structured error response for err. Kinds in
// userVisible (validation, the auth kinds, not-found, conflict,
// payload-too-large, rate-limited, quota-exceeded) keep their detail
// code; all other kinds are flattened to a generic internal error body
// but still return their true status code.
func WriteHTTP(w http.ResponseWriter, requestID string, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = New(KindInternal, "internal_error")
	}

	detail := apiErr.Detail
	if !userVisible[apiErr.Kind] {
		detail = "internal_error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(Status(apiErr.Kind))
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
