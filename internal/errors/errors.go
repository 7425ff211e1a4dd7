package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess              Code = 0
	CodeInternal             Code = 1
	CodeUsage                Code = 2
	CodeAuth                 Code = 10
	CodeRateLimited          Code = 11
	CodeUnavailable          Code = 12
	CodeUnsupported          Code = 13
	CodeSigner               Code = 20
	CodeUserRejected         Code = 21
	CodeActionPlan           Code = 22
	CodeActionSim            Code = 23
	CodeReverted             Code = 24
	CodeConfirmationRequired Code = 25
	CodeAborted              Code = 26
)

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// HasCode reports whether any typed error in err's chain carries code.
func HasCode(err error, code Code) bool {
	typed, ok := As(err)
	return ok && typed.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName returns the envelope type label for a code.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeSigner:
		return "signer_error"
	case CodeUserRejected:
		return "user_rejected"
	case CodeActionPlan:
		return "action_plan_error"
	case CodeActionSim:
		return "action_simulation_error"
	case CodeReverted:
		return "onchain_revert"
	case CodeConfirmationRequired:
		return "confirmation_required"
	case CodeAborted:
		return "aborted"
	default:
		return "internal_error"
	}
}

// Codes lists every non-success code in ascending order.
func Codes() []Code {
	return []Code{
		CodeInternal,
		CodeUsage,
		CodeAuth,
		CodeRateLimited,
		CodeUnavailable,
		CodeUnsupported,
		CodeSigner,
		CodeUserRejected,
		CodeActionPlan,
		CodeActionSim,
		CodeReverted,
		CodeConfirmationRequired,
		CodeAborted,
	}
}
