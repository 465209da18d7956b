// Package bverr defines the Gateway's error taxonomy and its HTTP mapping.
package bverr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one of the taxonomy's error kinds.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeNotFound           Code = "not_found"
	CodeStageTimeout       Code = "stage_timeout"
	CodePreconditionFailed Code = "precondition_failed"
	CodePolicyMismatch     Code = "policy_mismatch"
	CodeUpstreamError      Code = "upstream_error"
	CodeParseError         Code = "parse_error"
	CodeSchemaError        Code = "schema_error"
	CodeInternal           Code = "internal"
)

// Error is a taxonomy-tagged error carrying its HTTP status and a client-safe message.
type Error struct {
	Code    Code
	Message string
	Stage   string // populated for StageTimeout
	Err     error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s(stage=%s): %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps a taxonomy code to its HTTP status per spec §6/§7.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeBadRequest, CodeParseError:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodePreconditionFailed:
		return http.StatusPreconditionFailed
	case CodePolicyMismatch:
		return http.StatusConflict
	case CodeStageTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstreamError:
		return http.StatusBadGateway
	case CodeSchemaError, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// StageTimeout builds a StageTimeout(stage=S) error.
func StageTimeout(stage string, err error) *Error {
	return &Error{Code: CodeStageTimeout, Message: "stage deadline exceeded", Stage: stage, Err: err}
}

// NotFound builds a NotFound error for an unresolved anchor.
func NotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

// As is a convenience wrapper over errors.As for *Error.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
