package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application error with a stable code that
// clients use to decide whether a retry makes sense.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Error taxonomy constructors. Authentication failures reject the
// connection before any state is mutated; OTP mismatches are retryable;
// precondition failures mean the client should refresh local state.

// Authentication creates an error for a bad or expired credential
func Authentication(message string, err error) *AppError {
	return &AppError{
		Code:    "AUTHENTICATION_FAILED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     err,
	}
}

// Conflict creates an error for a request that collides with existing state
func Conflict(message string, err error) *AppError {
	return &AppError{
		Code:    "CONFLICT",
		Message: message,
		Status:  http.StatusConflict,
		Err:     err,
	}
}

// PreconditionFailed creates an error for a transition attempted from the
// wrong current status, including the lost-race case on accept/expire
func PreconditionFailed(message string, err error) *AppError {
	return &AppError{
		Code:    "PRECONDITION_FAILED",
		Message: message,
		Status:  http.StatusPreconditionFailed,
		Err:     err,
	}
}

// OtpMismatch creates a retryable verification failure
func OtpMismatch(message string) *AppError {
	return &AppError{
		Code:    "OTP_MISMATCH",
		Message: message,
		Status:  http.StatusUnprocessableEntity,
	}
}

// NotFound creates a 404 error
func NotFound(message string, err error) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: message,
		Status:  http.StatusNotFound,
		Err:     err,
	}
}

// BadRequest creates a 400 error
func BadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    "BAD_REQUEST",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     err,
	}
}

// Internal creates a 500 error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: message,
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Domain-specific errors

var (
	ErrRideNotFound   = NotFound("Ride not found", nil)
	ErrDriverNotFound = NotFound("Driver not found", nil)

	ErrActiveRideExists = Conflict("Customer already has an active ride", nil)
	ErrRideUnavailable  = PreconditionFailed("Ride is no longer available", nil)
	ErrRideNotYours     = PreconditionFailed("Ride is assigned to another driver", nil)

	ErrStartOtpMismatch = OtpMismatch("Start OTP does not match")
	ErrEndOtpMismatch   = OtpMismatch("End OTP does not match")

	ErrInvalidVehicleType = BadRequest("Invalid vehicle type", nil)
	ErrInvalidCoordinates = BadRequest("Invalid coordinates", nil)
	ErrInvalidToken       = Authentication("Invalid or expired token", nil)
)

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError attempts to convert an error to AppError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("An unexpected error occurred", err)
}

// IsCode reports whether err is an AppError with the given code
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
