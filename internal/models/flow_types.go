// Package models defines flow type definitions shared by the decision pipeline.
package models

import "strings"

// RouteClass identifies one of the three exit classes of a state.
type RouteClass string

// Verdict is the decision engine's classification of the current turn.
type Verdict string

// DataType is the expected type of the datum a state collects.
type DataType string

// MessageRole identifies who authored a conversation message.
type MessageRole string

// MessageStatus tracks a buffered message through a flush cycle.
type MessageStatus string

// Route class constants.
const (
	RouteSuccess RouteClass = "success"
	RoutePersist RouteClass = "persist"
	RouteEscape  RouteClass = "escape"
)

// Verdict constants.
const (
	VerdictSuccess Verdict = "success"
	VerdictFailure Verdict = "failure"
	VerdictPending Verdict = "pending"
	VerdictError   Verdict = "error"
)

// Data type constants.
const (
	DataTypeString  DataType = "string"
	DataTypeNumber  DataType = "number"
	DataTypeBoolean DataType = "boolean"
	DataTypeAny     DataType = "any"
)

// Message role constants.
const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Buffered message status constants.
const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusCompleted  MessageStatus = "completed"
	MessageStatusFailed     MessageStatus = "failed"
)

// NoDataKey is the sentinel data key of states that only classify intent.
const NoDataKey = "none"

// RouteClasses lists the route classes in evaluation order.
var RouteClasses = []RouteClass{RouteSuccess, RoutePersist, RouteEscape}

// IsValidRouteClass checks if the given route class is one of the three known classes.
func IsValidRouteClass(c RouteClass) bool {
	switch c {
	case RouteSuccess, RoutePersist, RouteEscape:
		return true
	default:
		return false
	}
}

// IsValidVerdict checks if the given verdict is supported.
func IsValidVerdict(v Verdict) bool {
	switch v {
	case VerdictSuccess, VerdictFailure, VerdictPending, VerdictError:
		return true
	default:
		return false
	}
}

// ParseDataType normalizes a data type name. Unknown or empty names map to DataTypeAny.
func ParseDataType(s string) DataType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "text":
		return DataTypeString
	case "number", "int", "integer", "float":
		return DataTypeNumber
	case "boolean", "bool":
		return DataTypeBoolean
	default:
		return DataTypeAny
	}
}
