package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code surfaced to API callers.
type Code string

const (
	CodeSlotLocked             Code = "SLOT_LOCKED"
	CodeUserNotFound           Code = "USER_NOT_FOUND"
	CodeMaxBookingsReached     Code = "MAX_BOOKINGS_REACHED"
	CodeSlotNotFound           Code = "SLOT_NOT_FOUND"
	CodeSlotBlocked            Code = "SLOT_BLOCKED"
	CodeInsufficientCapacity   Code = "INSUFFICIENT_CAPACITY"
	CodeSlotInPast             Code = "SLOT_IN_PAST"
	CodeAdvanceLimitExceeded   Code = "ADVANCE_LIMIT_EXCEEDED"
	CodeDuplicateBooking       Code = "DUPLICATE_BOOKING"
	CodeBookingNotFound        Code = "BOOKING_NOT_FOUND"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeCancellationNotAllowed Code = "CANCELLATION_NOT_ALLOWED"
	CodeInternal               Code = "INTERNAL"
)

// statusByCode maps each code to its HTTP-equivalent status for surface
// translation.
var statusByCode = map[Code]int{
	CodeSlotLocked:             http.StatusConflict,
	CodeUserNotFound:           http.StatusNotFound,
	CodeMaxBookingsReached:     http.StatusTooManyRequests,
	CodeSlotNotFound:           http.StatusNotFound,
	CodeSlotBlocked:            http.StatusBadRequest,
	CodeInsufficientCapacity:   http.StatusBadRequest,
	CodeSlotInPast:             http.StatusBadRequest,
	CodeAdvanceLimitExceeded:   http.StatusBadRequest,
	CodeDuplicateBooking:       http.StatusConflict,
	CodeBookingNotFound:        http.StatusNotFound,
	CodeUnauthorized:           http.StatusForbidden,
	CodeCancellationNotAllowed: http.StatusBadRequest,
	CodeInternal:               http.StatusInternalServerError,
}

// Error is a domain error surfaced verbatim to callers. Infrastructure
// failures never leak: they are remapped to CodeInternal with the underlying
// cause kept only for logging via Unwrap.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates a domain error for the given code.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Status:  statusByCode[code],
	}
}

// Internalf wraps an infrastructure failure as an opaque internal error.
// The cause is preserved for logs but masked from callers.
func Internalf(cause error, format string, args ...any) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusInternalServerError,
		cause:   cause,
	}
}

// AsError extracts a domain *Error from an error chain, remapping anything
// unclassified to CodeInternal.
func AsError(err error) *Error {
	var derr *Error
	if errors.As(err, &derr) {
		return derr
	}
	return Internalf(err, "unexpected failure")
}

// IsCode reports whether err carries the given domain code.
func IsCode(err error, code Code) bool {
	var derr *Error
	return errors.As(err, &derr) && derr.Code == code
}
