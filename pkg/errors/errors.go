// Package errors defines the sentinel errors shared by the index packages and
// the services built on them, plus an AppError wrapper that carries an HTTP
// status for the query API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCorruptIndex marks an index file whose contents cannot be trusted:
	// bad signature, inconsistent header counts or malformed encodings.
	ErrCorruptIndex = errors.New("corrupt index")
	// ErrIndexIO marks a failed open/read/write/rename of an index file.
	ErrIndexIO      = errors.New("index i/o failure")
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("unavailable")
	ErrInternal     = errors.New("internal error")
	ErrTimeout      = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Corruptf returns an error wrapping ErrCorruptIndex.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptIndex, fmt.Sprintf(format, args...))
}

// IO wraps err as ErrIndexIO unless it is already classified as an index
// error, so a corrupt-file error is never downgraded to a plain I/O failure.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCorruptIndex) || errors.Is(err, ErrIndexIO) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIndexIO, op, err)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
