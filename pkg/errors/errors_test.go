package errors

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIOWrapsPlainErrors(t *testing.T) {
	err := IO("reading header", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrIndexIO)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NoError(t, IO("noop", nil))
}

func TestIOKeepsCorruptClassification(t *testing.T) {
	err := IO("reading header", Corruptf("bad signature %q", "x"))
	assert.ErrorIs(t, err, ErrCorruptIndex)
	assert.False(t, errors.Is(err, ErrIndexIO))
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{New(ErrInvalidInput, http.StatusTeapot, "x"), http.StatusTeapot},
		{fmt.Errorf("wrapped: %w", ErrNotFound), http.StatusNotFound},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrUnavailable, http.StatusServiceUnavailable},
		{ErrCorruptIndex, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatusCode(tt.err), tt.err.Error())
	}
}
