package claims

import (
	"errors"
	"fmt"
)

// Code identifies a domain-rule violation. The set is closed: callers branch
// on codes, never on message text.
type Code string

const (
	CodeIssueNotFound           Code = "ISSUE_NOT_FOUND"
	CodeClaimantNotFound        Code = "CLAIMANT_NOT_FOUND"
	CodeAlreadyClaimed          Code = "ALREADY_CLAIMED"
	CodeNotClaimed              Code = "NOT_CLAIMED"
	CodeMaxClaimsExceeded       Code = "MAX_CLAIMS_EXCEEDED"
	CodeCapabilityMismatch      Code = "CAPABILITY_MISMATCH"
	CodeUnauthorized            Code = "UNAUTHORIZED"
	CodeHandoffPending          Code = "HANDOFF_PENDING"
	CodeHandoffNotFound         Code = "HANDOFF_NOT_FOUND"
	CodeInvalidStatusTransition Code = "INVALID_STATUS_TRANSITION"
	CodeValidationError         Code = "VALIDATION_ERROR"

	CodeNotStealable        Code = "NOT_STEALABLE"
	CodeCrossTypeNotAllowed Code = "CROSS_TYPE_NOT_ALLOWED"
	CodeInGracePeriod       Code = "IN_GRACE_PERIOD"
	CodeProtectedByProgress Code = "PROTECTED_BY_PROGRESS"
	CodeContestPending      Code = "CONTEST_PENDING"
	CodeContestNotFound     Code = "CONTEST_NOT_FOUND"
)

// Error is a recoverable domain-rule violation. Infrastructure failures are
// never wrapped in an Error; they propagate as plain errors so errors.As
// distinguishes the two categories.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a domain error for a code.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf builds a domain error with a formatted message.
func NewErrorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a structured detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the domain code from err, if err is (or wraps) a domain
// error. The second return is false for infrastructure errors.
func CodeOf(err error) (Code, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}

// IsCode reports whether err carries the given domain code.
func IsCode(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
