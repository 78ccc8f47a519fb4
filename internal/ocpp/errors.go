package ocpp

import (
	"errors"
	"fmt"
)

// ErrorCode is the protocol-level error taxonomy. Codes classify failures
// for the station; they are not exception types.
type ErrorCode string

const (
	CodeProtocolError           ErrorCode = "ProtocolError"
	CodeNotFound                ErrorCode = "NotFound"
	CodeSecurityError           ErrorCode = "SecurityError"
	CodeTypeConstraintViolation ErrorCode = "TypeConstraintViolation"
	CodeInternalError           ErrorCode = "InternalError"
)

var baseDescriptions = map[ErrorCode]string{
	CodeProtocolError:           "Payload does not conform to protocol or is missing required fields.",
	CodeNotFound:                "Requested resource does not exist.",
	CodeSecurityError:           "Operation not allowed due to current state or permissions.",
	CodeTypeConstraintViolation: "Payload value violates type or business constraints.",
	CodeInternalError:           "An unexpected error occurred.",
}

// CallError is a classified protocol failure, delivered to the station as a
// [4, id, code, description] frame.
type CallError struct {
	Code        ErrorCode
	Description string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewCallError builds a CallError with the given code. An empty detail
// keeps the code's base description; otherwise the detail is appended in
// parentheses.
func NewCallError(code ErrorCode, detail string) *CallError {
	desc := baseDescriptions[code]
	if detail != "" {
		desc = desc + " (" + detail + ")"
	}
	return &CallError{Code: code, Description: desc}
}

func NewProtocolError(detail string) *CallError {
	return NewCallError(CodeProtocolError, detail)
}

func NewNotFound(detail string) *CallError {
	return NewCallError(CodeNotFound, detail)
}

func NewSecurityError(detail string) *CallError {
	return NewCallError(CodeSecurityError, detail)
}

func NewTypeConstraintViolation(detail string) *CallError {
	return NewCallError(CodeTypeConstraintViolation, detail)
}

// Classify maps any error to the CallError delivered to the station.
// Unclassified errors become InternalError without leaking their message.
func Classify(err error) *CallError {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr
	}
	return NewCallError(CodeInternalError, "")
}
