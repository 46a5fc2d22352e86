package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrom(t *testing.T) {
	cause := errors.New("boom")

	wrapped := fmt.Errorf("handler: %w", NotFound("conversation", cause))
	got := From(wrapped)
	assert.Equal(t, "NOT_FOUND", got.Code)
	assert.Equal(t, http.StatusNotFound, got.Status)
	assert.ErrorIs(t, got, cause)

	got = From(cause)
	assert.Equal(t, "INTERNAL_ERROR", got.Code)
	assert.Equal(t, http.StatusInternalServerError, got.Status)
}

func TestIs(t *testing.T) {
	assert.True(t, Is(Forbidden("no", nil), "FORBIDDEN"))
	assert.False(t, Is(Forbidden("no", nil), "NOT_FOUND"))
	assert.False(t, Is(errors.New("plain"), "FORBIDDEN"))
}
