// Package errors provides unified, structured error handling for FlowLens,
// mapping the error kinds of the flow-to-graph pipeline (parse errors,
// backpressure drops, transient store errors, integrity violations,
// classification "not ready", and invariant violations) onto a single
// wrapped error type with a stable code.
package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-checkable error code.
type Code string

const (
	// Protocol parse errors (never propagated past the collector; only counted).
	CodeParseInvalidVersion  Code = "PARSE_INVALID_VERSION"
	CodeParseTruncated       Code = "PARSE_TRUNCATED"
	CodeParseUnknownTemplate Code = "PARSE_UNKNOWN_TEMPLATE"

	// Backpressure (never fatal; counted at the queue).
	CodeQueueDropped Code = "QUEUE_DROPPED"

	// Transient store errors (retried with backoff at the batch writer).
	CodeStoreTransient Code = "STORE_TRANSIENT"
	CodeStorePermanent Code = "STORE_PERMANENT"

	// Data integrity violations (offending record skipped, logged at ERROR).
	CodeDependencySelfLoop  Code = "DEPENDENCY_SELF_LOOP"
	CodeGatewaySelfLoop     Code = "GATEWAY_SELF_LOOP"
	CodeInvalidMaintenance  Code = "INVALID_MAINTENANCE_WINDOW"
	CodeInvalidGatewayRole  Code = "INVALID_GATEWAY_ROLE"
	CodeInvalidFlowRecord   Code = "INVALID_FLOW_RECORD"

	// Classification: insufficient data to classify (not a failure).
	CodeClassificationNotReady Code = "CLASSIFICATION_NOT_READY"

	// Invariant violations: treated as bugs, surfaced via the health indicator.
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"

	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"
	CodeInternal Code = "INTERNAL"
)

// FlowLensError is a structured error carrying a stable code, a human
// message, optional structured details, and a wrapped cause.
type FlowLensError struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *FlowLensError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowLensError) Unwrap() error { return e.Err }

// WithDetail attaches a structured detail key/value and returns the receiver.
func (e *FlowLensError) WithDetail(key string, value interface{}) *FlowLensError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a FlowLensError with no wrapped cause.
func New(code Code, message string) *FlowLensError {
	return &FlowLensError{Code: code, Message: message}
}

// Wrap creates a FlowLensError around an existing error.
func Wrap(code Code, message string, err error) *FlowLensError {
	return &FlowLensError{Code: code, Message: message, Err: err}
}

// Parse error constructors (§4.1, §7).

func InvalidVersion(got int) *FlowLensError {
	return New(CodeParseInvalidVersion, "unsupported wire protocol version").WithDetail("version", got)
}

func Truncated(wantBytes, gotBytes int) *FlowLensError {
	return New(CodeParseTruncated, "datagram shorter than declared record count implies").
		WithDetail("want_bytes", wantBytes).WithDetail("got_bytes", gotBytes)
}

func UnknownTemplate(exporterIP string, templateID int) *FlowLensError {
	return New(CodeParseUnknownTemplate, "data set references unknown template").
		WithDetail("exporter_ip", exporterIP).WithDetail("template_id", templateID)
}

// Store error constructors.

func StoreTransient(operation string, err error) *FlowLensError {
	return Wrap(CodeStoreTransient, "transient store error, will retry", err).WithDetail("operation", operation)
}

func StorePermanent(operation string, err error) *FlowLensError {
	return Wrap(CodeStorePermanent, "store error exceeded retry budget, batch dropped", err).
		WithDetail("operation", operation)
}

// Integrity violation constructors.

func DependencySelfLoop(assetID string) *FlowLensError {
	return New(CodeDependencySelfLoop, "dependency source and target resolved to the same asset").
		WithDetail("asset_id", assetID)
}

func GatewaySelfLoop(assetID string) *FlowLensError {
	return New(CodeGatewaySelfLoop, "gateway source and gateway asset are identical").
		WithDetail("asset_id", assetID)
}

func InvalidMaintenanceWindow(start, end string) *FlowLensError {
	return New(CodeInvalidMaintenance, "maintenance window end_time must be after start_time").
		WithDetail("start", start).WithDetail("end", end)
}

// Classification constructor.

func ClassificationNotReady(assetID string, totalFlows int, activeHours int) *FlowLensError {
	return New(CodeClassificationNotReady, "insufficient observation data for classification").
		WithDetail("asset_id", assetID).WithDetail("total_flows", totalFlows).WithDetail("active_hours", activeHours)
}

// Invariant violation constructor: a bug, logged with enough context to reproduce.

func InvariantViolation(what string, context map[string]interface{}) *FlowLensError {
	e := New(CodeInvariantViolation, what)
	for k, v := range context {
		e.WithDetail(k, v)
	}
	return e
}

func NotFound(resource, id string) *FlowLensError {
	return New(CodeNotFound, "resource not found").WithDetail("resource", resource).WithDetail("id", id)
}

func Conflict(message string) *FlowLensError {
	return New(CodeConflict, message)
}

func Internal(message string, err error) *FlowLensError {
	return Wrap(CodeInternal, message, err)
}

// Is reports whether err (or any error in its chain) is a FlowLensError with the given code.
func Is(err error, code Code) bool {
	var fe *FlowLensError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// As extracts a *FlowLensError from err's chain, if present.
func As(err error) (*FlowLensError, bool) {
	var fe *FlowLensError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
