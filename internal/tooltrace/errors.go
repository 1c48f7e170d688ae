package tooltrace

import (
	"errors"
	"fmt"
)

// TraceError represents a recording request the tracker rejected.
//
// These are caller errors: the invocation or skill state machine would be
// violated by the request. They are reported and recoverable, never fatal
// to the execution being observed.
type TraceError struct {
	// Code identifies the error category.
	Code TraceErrorCode

	// Message is a human-readable description.
	Message string

	// InvocationID identifies the affected tool invocation, if any.
	InvocationID string

	// SkillID identifies the affected skill invocation, if any.
	SkillID string
}

// TraceErrorCode categorizes trace errors.
type TraceErrorCode string

const (
	// ErrCodeUnknownCategory indicates a tool category outside the closed set.
	ErrCodeUnknownCategory TraceErrorCode = "UNKNOWN_CATEGORY"

	// ErrCodeShapeMismatch indicates an input or output payload whose shape
	// does not match the invocation's category.
	ErrCodeShapeMismatch TraceErrorCode = "SHAPE_MISMATCH"

	// ErrCodeSkillCycle indicates a skill nesting under itself.
	ErrCodeSkillCycle TraceErrorCode = "SKILL_CYCLE"
)

// Error implements the error interface.
func (e *TraceError) Error() string {
	switch {
	case e.InvocationID != "":
		return fmt.Sprintf("%s: %s (invocation=%s)", e.Code, e.Message, e.InvocationID)
	case e.SkillID != "":
		return fmt.Sprintf("%s: %s (skill=%s)", e.Code, e.Message, e.SkillID)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// IsSkillCycle reports whether the error is a skill nesting cycle.
// Uses errors.As to handle wrapped errors.
func IsSkillCycle(err error) bool {
	var te *TraceError
	if errors.As(err, &te) {
		return te.Code == ErrCodeSkillCycle
	}
	return false
}

// IsShapeMismatch reports whether the error is a payload shape mismatch.
func IsShapeMismatch(err error) bool {
	var te *TraceError
	if errors.As(err, &te) {
		return te.Code == ErrCodeShapeMismatch
	}
	return false
}
