// Package apierr defines the error taxonomy propagated through the HTTP
// response envelope. Handlers translate any error into one of these codes;
// unknown errors surface as INTERNAL_ERROR with a generic message.
package apierr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Code identifies one class of failure in the envelope.
type Code string

const (
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeNotFound      Code = "NOT_FOUND"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeForbidden     Code = "FORBIDDEN"
	CodeInternal      Code = "INTERNAL_ERROR"
)

// HTTPStatus maps a code to its HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStateConflict:
		return http.StatusConflict
	case CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// E is a typed error carrying an envelope code, a caller-facing message and
// optional structured extra data (e.g. the observed status on a conflict).
type E struct {
	Code    Code
	Message string
	Extra   map[string]any
}

func (e *E) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a typed error.
func New(code Code, format string, args ...any) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithExtra attaches structured data to the error and returns it.
func (e *E) WithExtra(key string, value any) *E {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
	return e
}

// InvalidInput builds an INVALID_INPUT error.
func InvalidInput(format string, args ...any) *E {
	return New(CodeInvalidInput, format, args...)
}

// NotFound builds a NOT_FOUND error.
func NotFound(format string, args ...any) *E {
	return New(CodeNotFound, format, args...)
}

// Forbidden builds a FORBIDDEN error with the standard message.
func Forbidden() *E {
	return New(CodeForbidden, "not authorized")
}

// StateConflict builds a STATE_CONFLICT error.
func StateConflict(format string, args ...any) *E {
	return New(CodeStateConflict, format, args...)
}

// From extracts a typed error from err's chain. Anything else collapses to
// INTERNAL_ERROR with a generic message so stack details never leak.
func From(err error) *E {
	var e *E
	if errors.As(err, &e) {
		return e
	}
	return &E{Code: CodeInternal, Message: "internal error"}
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *E
	return errors.As(err, &e) && e.Code == code
}
