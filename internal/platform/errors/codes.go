// Package errors provides structured error handling for the chat service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeValidation      Code = "VALIDATION_ERROR"

	// Identity errors
	CodeAuthenticationFailure Code = "AUTHENTICATION_FAILURE"

	// Session errors
	CodeNotConnected Code = "NOT_CONNECTED"
	CodeTransport    Code = "TRANSPORT_ERROR"
	CodeDelivery     Code = "DELIVERY_ERROR"
	CodeRateLimited  Code = "RATE_LIMITED"

	// Storage errors
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument, CodeValidation:
		return http.StatusBadRequest
	case CodeAuthenticationFailure:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNotConnected, CodeTransport, CodeDelivery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
