// Package apperror provides a structured way to handle application errors
// with specific codes, severity levels, and additional details. It also
// includes utilities for converting to and from gRPC status errors.
package apperror

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents a specific application error code.
type ErrorCode string

const (
	// Validation — malformed or out-of-range request content.
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeInvalidURI     ErrorCode = "INVALID_URI"
	CodeUnsupportedMsg ErrorCode = "UNSUPPORTED_MSG"
	CodeMissingField   ErrorCode = "MISSING_FIELD"
	CodeDecodeFailure  ErrorCode = "DECODE_FAILURE"

	// Resolution — mapping a public path/project to backing storage.
	CodeResourceNotAllowed ErrorCode = "RESOURCE_NOT_ALLOWED"
	CodeProjectNotFound    ErrorCode = "PROJECT_NOT_FOUND"
	CodeProjectGone        ErrorCode = "PROJECT_GONE"
	CodeRouteNotFound      ErrorCode = "ROUTE_NOT_FOUND"
	CodeStrictCheckFailed  ErrorCode = "STRICT_CHECK_FAILED"

	// Capacity — pool/cache exhaustion and preconditions.
	CodeMaxProjectsReached  ErrorCode = "MAX_PROJECTS_REACHED"
	CodePoolExhausted       ErrorCode = "POOL_EXHAUSTED"
	CodeShuttingDown        ErrorCode = "SHUTTING_DOWN"
	CodeCachePrecondition   ErrorCode = "CACHE_PRECONDITION"

	// Deadline — timing and liveness failures.
	CodeCheckoutTimeout  ErrorCode = "CHECKOUT_TIMEOUT"
	CodeWorkerStalled    ErrorCode = "WORKER_STALLED"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"

	// Protocol — pipe/wire-level failures between supervisor and worker.
	CodeWorkerDead       ErrorCode = "WORKER_DEAD"
	CodeProtocolError    ErrorCode = "PROTOCOL_ERROR"
	CodeUnexpectedEOF    ErrorCode = "UNEXPECTED_EOF"
	CodeFrameTooLarge    ErrorCode = "FRAME_TOO_LARGE"

	// Upstream — errors produced by the embedded QGIS handler, relayed as-is.
	CodeUpstreamError ErrorCode = "UPSTREAM_ERROR"

	// General
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeNilInput         ErrorCode = "NIL_INPUT"
	CodeUnimplemented    ErrorCode = "UNIMPLEMENTED"
)

// HTTPStatus maps an ErrorCode to the pipe/RPC status code defined by the
// wire protocol (200/206/204/400/403/404/405/409/410/422/500/503/504).
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidRequest, CodeInvalidURI, CodeMissingField, CodeDecodeFailure, CodeInvalidArgument, CodeNilInput:
		return 400
	case CodeResourceNotAllowed, CodePermissionDenied:
		return 403
	case CodeProjectNotFound, CodeRouteNotFound, CodeNotFound:
		return 404
	case CodeUnsupportedMsg, CodeUnimplemented:
		return 405
	case CodeMaxProjectsReached, CodePoolExhausted, CodeCachePrecondition:
		return 409
	case CodeProjectGone:
		return 410
	case CodeStrictCheckFailed:
		return 422
	case CodeShuttingDown, CodeWorkerDead:
		return 503
	case CodeCheckoutTimeout, CodeWorkerStalled, CodeDeadlineExceeded:
		return 504
	default:
		return 500
	}
}

// HTTPStatus extracts the HTTP-like status code from err, defaulting to 500
// for errors that are not an *Error.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return 500
}

// Severity defines the criticality level of an error.
type Severity int

const (
	// SeverityWarning indicates a non-critical issue that can be ignored or automatically resolved.
	SeverityWarning Severity = iota
	// SeverityError indicates a standard error that requires attention.
	SeverityError
	// SeverityCritical indicates a severe error that might require immediate human intervention.
	SeverityCritical
)

// String returns the string representation of the Severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Error is a custom error type that includes an ErrorCode, message,
// an optional field, additional details, an underlying cause, and a severity level.
type Error struct {
	Code     ErrorCode      // Code is a unique identifier for the type of error.
	Message  string         // Message is a human-readable description of the error.
	Field    string         // Field indicates which input field caused the error, if applicable.
	Details  map[string]any // Details provides additional structured information about the error.
	Cause    error          // Cause is the underlying error that triggered this application error.
	Severity Severity       // Severity indicates the criticality level of the error.
}

// Error implements the error interface, returning a string representation of the error.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, allowing for error chain introspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// GRPCStatus converts the application error into a gRPC status.Status.
func (e *Error) GRPCStatus() *status.Status {
	code := e.grpcCode()
	return status.New(code, e.Message)
}

// grpcCode maps an ErrorCode to an appropriate gRPC codes.Code.
func (e *Error) grpcCode() codes.Code {
	switch e.Code {
	case CodeInvalidRequest, CodeInvalidURI, CodeMissingField, CodeDecodeFailure,
		CodeInvalidArgument, CodeNilInput:
		return codes.InvalidArgument

	case CodeResourceNotAllowed, CodePermissionDenied:
		return codes.PermissionDenied

	case CodeProjectNotFound, CodeRouteNotFound, CodeNotFound:
		return codes.NotFound

	case CodeProjectGone:
		return codes.NotFound

	case CodeUnsupportedMsg, CodeUnimplemented:
		return codes.Unimplemented

	case CodeMaxProjectsReached, CodePoolExhausted, CodeCachePrecondition, CodeStrictCheckFailed:
		return codes.FailedPrecondition

	case CodeCheckoutTimeout, CodeWorkerStalled, CodeDeadlineExceeded:
		return codes.DeadlineExceeded

	case CodeUnauthenticated:
		return codes.Unauthenticated

	case CodeShuttingDown:
		return codes.Unavailable

	case CodeWorkerDead, CodeProtocolError, CodeUnexpectedEOF, CodeFrameTooLarge:
		return codes.Unavailable

	case CodeUpstreamError:
		return codes.Unknown

	default:
		return codes.Internal
	}
}

// New creates a new application error with the given code and message.
// The default severity is SeverityError.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Details:  make(map[string]any),
		Severity: SeverityError,
	}
}

// NewWithField creates a new application error with the given code, message, and field.
// The default severity is SeverityError.
func NewWithField(code ErrorCode, message, field string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Field:    field,
		Details:  make(map[string]any),
		Severity: SeverityError,
	}
}

// NewWarning creates a new application error with SeverityWarning.
func NewWarning(code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Details:  make(map[string]any),
		Severity: SeverityWarning,
	}
}

// NewCritical creates a new application error with SeverityCritical.
func NewCritical(code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Details:  make(map[string]any),
		Severity: SeverityCritical,
	}
}

// Wrap creates a new application error that wraps an existing error,
// providing additional context with a code and message.
// The default severity is SeverityError.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Cause:    cause,
		Details:  make(map[string]any),
		Severity: SeverityError,
	}
}

// WithDetails adds a key-value pair to the error's details map and returns the modified error.
func (e *Error) WithDetails(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// WithField sets the field associated with the error and returns the modified error.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithSeverity sets the severity level of the error and returns the modified error.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// Is checks if the given error is an application error with a matching ErrorCode.
// It uses errors.As to unwrap the error chain.
func Is(err error, code ErrorCode) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the ErrorCode from an error. If the error is not an *Error,
// it returns CodeInternal.
func Code(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// ToGRPC converts an application error or any other error into a gRPC error status.
// If the error is an *Error, it uses its GRPCStatus method.
// If it's already a gRPC status error, it's returned as is.
// Otherwise, it's wrapped as an internal gRPC error.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.GRPCStatus().Err()
	}

	// If it's already a gRPC error
	if _, ok := status.FromError(err); ok {
		return err
	}

	// Wrap as an Internal error
	return status.Error(codes.Internal, err.Error())
}

// FromGRPC converts a gRPC error into an *Error.
// If the input error is nil, it returns nil.
// If the gRPC status code cannot be mapped to a specific ErrorCode,
// it defaults to CodeInternal.
func FromGRPC(err error) *Error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return New(CodeInternal, err.Error())
	}

	var code ErrorCode
	switch st.Code() {
	case codes.InvalidArgument:
		code = CodeInvalidArgument
	case codes.NotFound:
		code = CodeProjectNotFound
	case codes.DeadlineExceeded:
		code = CodeDeadlineExceeded
	case codes.Unauthenticated:
		code = CodeUnauthenticated
	case codes.PermissionDenied:
		code = CodePermissionDenied
	case codes.FailedPrecondition:
		code = CodeCachePrecondition
	case codes.Unavailable:
		code = CodeWorkerDead
	case codes.Unimplemented:
		code = CodeUnsupportedMsg
	default:
		code = CodeInternal
	}

	return New(code, st.Message())
}

// IsWarning checks if the given error is an application error with SeverityWarning.
func IsWarning(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity == SeverityWarning
	}
	return false
}

// IsCritical checks if the given error is an application error with SeverityCritical.
func IsCritical(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity == SeverityCritical
	}
	return false
}

// Predefined errors for common scenarios.
var (
	ErrProjectNotFound    = New(CodeProjectNotFound, "project not found")
	ErrResourceNotAllowed = New(CodeResourceNotAllowed, "resource not allowed")
	ErrProjectGone        = New(CodeProjectGone, "project removed from cache")
	ErrMaxProjectsReached = New(CodeMaxProjectsReached, "maximum cached project count reached")
	ErrPoolExhausted      = New(CodePoolExhausted, "no worker available")
	ErrShuttingDown       = New(CodeShuttingDown, "supervisor is shutting down")
	ErrCheckoutTimeout    = New(CodeCheckoutTimeout, "timed out waiting for a worker")
	ErrWorkerDead         = New(CodeWorkerDead, "worker process is dead")
	ErrUnexpectedEOF      = New(CodeUnexpectedEOF, "unexpected end of stream on worker pipe")
	ErrUnsupportedMsg     = New(CodeUnsupportedMsg, "unsupported message type")
	ErrNilInput           = New(CodeNilInput, "required input is nil")
)

// ValidationErrors is a collection of application errors and warnings,
// typically used for aggregating results of multiple validation checks.
type ValidationErrors struct {
	Errors   []*Error // Errors contains all collected errors (SeverityError and SeverityCritical).
	Warnings []*Error // Warnings contains all collected warnings (SeverityWarning).
}

// NewValidationErrors creates and returns a new empty ValidationErrors collection.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors:   make([]*Error, 0),
		Warnings: make([]*Error, 0),
	}
}

// Add appends an *Error to the appropriate slice (Errors or Warnings)
// based on its Severity.
func (v *ValidationErrors) Add(err *Error) {
	if err.Severity == SeverityWarning {
		v.Warnings = append(v.Warnings, err)
	} else {
		v.Errors = append(v.Errors, err)
	}
}

// AddError creates and adds a new application error with SeverityError.
func (v *ValidationErrors) AddError(code ErrorCode, message string) {
	v.Errors = append(v.Errors, New(code, message))
}

// AddWarning creates and adds a new application error with SeverityWarning.
func (v *ValidationErrors) AddWarning(code ErrorCode, message string) {
	v.Warnings = append(v.Warnings, NewWarning(code, message))
}

// AddErrorWithField creates and adds a new application error with a specific field.
func (v *ValidationErrors) AddErrorWithField(code ErrorCode, message, field string) {
	v.Errors = append(v.Errors, NewWithField(code, message, field))
}

// HasErrors returns true if the collection contains any errors (non-warning severity).
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// HasWarnings returns true if the collection contains any warnings.
func (v *ValidationErrors) HasWarnings() bool {
	return len(v.Warnings) > 0
}

// IsValid returns true if the collection contains no errors (warnings do not affect validity).
func (v *ValidationErrors) IsValid() bool {
	return !v.HasErrors()
}

// Merge combines the current ValidationErrors collection with another one.
// All errors and warnings from the 'other' collection are appended to the current one.
func (v *ValidationErrors) Merge(other *ValidationErrors) {
	if other == nil {
		return
	}
	v.Errors = append(v.Errors, other.Errors...)
	v.Warnings = append(v.Warnings, other.Warnings...)
}

// ErrorMessages returns a slice of string messages for all collected errors.
func (v *ValidationErrors) ErrorMessages() []string {
	messages := make([]string, len(v.Errors))
	for i, err := range v.Errors {
		messages[i] = err.Error()
	}
	return messages
}

// WarningMessages returns a slice of string messages for all collected warnings.
func (v *ValidationErrors) WarningMessages() []string {
	messages := make([]string, len(v.Warnings))
	for i, warn := range v.Warnings {
		messages[i] = warn.Message
	}
	return messages
}
