package apierr

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, CodeInvalidInput.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, CodeNotFound.HTTPStatus())
	assert.Equal(t, http.StatusConflict, CodeStateConflict.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, CodeForbidden.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, CodeInternal.HTTPStatus())
}

func TestFromCollapsesUnknownErrors(t *testing.T) {
	e := From(errors.New("database exploded at row 42"))
	assert.Equal(t, CodeInternal, e.Code)
	assert.Equal(t, "internal error", e.Message, "internal detail must not leak")
}

func TestFromUnwrapsTypedErrors(t *testing.T) {
	wrapped := errors.Wrap(NotFound("task %s not found", "t1"), "handler context")
	e := From(wrapped)
	assert.Equal(t, CodeNotFound, e.Code)
	assert.Contains(t, e.Message, "t1")
}

func TestIsCode(t *testing.T) {
	err := StateConflict("row moved").WithExtra("status", "running")
	assert.True(t, IsCode(err, CodeStateConflict))
	assert.False(t, IsCode(err, CodeNotFound))
	assert.Equal(t, "running", err.Extra["status"])
}
