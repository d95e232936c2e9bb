package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeIdempotency   Code = "IDEMPOTENCY_KEY_REUSED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"
	CodeRateLimit     Code = "RATE_LIMITED"

	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeTenantPaused      Code = "TENANT_PAUSED"
	CodeLimitExceeded     Code = "LIMIT_EXCEEDED"
	CodeProviderTransient Code = "PROVIDER_TRANSIENT"
	CodeProviderRejected  Code = "PROVIDER_REJECTED"
	CodeIntegrityDrift    Code = "INTEGRITY_DRIFT"
	CodeReplayed          Code = "REPLAYED"
	CodeSignatureInvalid  Code = "SIGNATURE_INVALID"
	CodeAlreadySucceeded  Code = "ALREADY_SUCCEEDED"
	CodeInProgress        Code = "IN_PROGRESS"
	CodeNoApplicablePlan  Code = "NO_APPLICABLE_PLAN"
)

type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:        {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed", DetailsAllowed: true},
	CodeUnauthorized:      {HTTPStatus: http.StatusUnauthorized, PublicMessage: "authentication required"},
	CodeForbidden:         {HTTPStatus: http.StatusForbidden, PublicMessage: "access denied"},
	CodeNotFound:          {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found"},
	CodeConflict:          {HTTPStatus: http.StatusConflict, PublicMessage: "conflict detected"},
	CodeStateConflict:     {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "state transition disallowed", DetailsAllowed: true},
	CodeIdempotency:       {HTTPStatus: http.StatusConflict, PublicMessage: "idempotency key reused", DetailsAllowed: true},
	CodeInternal:          {HTTPStatus: http.StatusInternalServerError, Retryable: true, PublicMessage: "internal server error"},
	CodeDependency:        {HTTPStatus: http.StatusServiceUnavailable, Retryable: true, PublicMessage: "dependency unavailable", DetailsAllowed: true},
	CodeRateLimit:         {HTTPStatus: http.StatusTooManyRequests, Retryable: true, PublicMessage: "rate limit exceeded"},
	CodeInsufficientFunds: {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "insufficient funds", DetailsAllowed: true},
	CodeTenantPaused:      {HTTPStatus: http.StatusLocked, PublicMessage: "payouts are paused for this tenant"},
	CodeLimitExceeded:     {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "risk limit exceeded", DetailsAllowed: true},
	CodeProviderTransient: {HTTPStatus: http.StatusServiceUnavailable, Retryable: true, PublicMessage: "payment provider unavailable"},
	CodeProviderRejected:  {HTTPStatus: http.StatusBadGateway, PublicMessage: "payment provider rejected the request", DetailsAllowed: true},
	CodeIntegrityDrift:    {HTTPStatus: http.StatusConflict, PublicMessage: "integrity drift detected", DetailsAllowed: true},
	CodeReplayed:          {HTTPStatus: http.StatusOK, PublicMessage: "event already processed"},
	CodeSignatureInvalid:  {HTTPStatus: http.StatusUnauthorized, PublicMessage: "invalid signature"},
	CodeAlreadySucceeded:  {HTTPStatus: http.StatusConflict, PublicMessage: "operation already succeeded"},
	CodeInProgress:        {HTTPStatus: http.StatusConflict, Retryable: true, PublicMessage: "operation already in progress"},
	CodeNoApplicablePlan:  {HTTPStatus: http.StatusInternalServerError, PublicMessage: "commission configuration missing"},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the outermost typed code in the chain, or CodeInternal.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// ClassifyProvider converts an arbitrary error from a payout dispatch into
// either a rejected or a transient provider error. Untyped errors are
// treated as transient so the dispatch is retried instead of dropped.
func ClassifyProvider(err error) *Error {
	if err == nil {
		return nil
	}
	switch CodeOf(err) {
	case CodeProviderRejected, CodeValidation:
		return Wrap(CodeProviderRejected, err, "provider rejected payout")
	default:
		if typed := As(err); typed != nil && typed.Code() == CodeProviderTransient {
			return typed
		}
		return Wrap(CodeProviderTransient, err, "provider call failed")
	}
}
