package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeAuth        Code = 10
	CodeRateLimited Code = 11
	CodeUnavailable Code = 12
	CodeUnsupported Code = 13

	// Simulation engine taxonomy.
	CodeInfrastructure  Code = 20
	CodeAmbiguity       Code = 21
	CodeDomainInvalid   Code = 22
	CodeOnChain         Code = 23
	CodeBudgetExhausted Code = 24
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

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
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

// CodeOf returns the code carried by err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if typed, ok := As(err); ok {
		return typed.Code
	}
	return CodeInternal
}

// Retryable reports whether a failure may be re-attempted without changing the plan.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeInfrastructure, CodeUnavailable, CodeRateLimited:
		return true
	default:
		return false
	}
}

func ExitCode(err error) int {
	return int(CodeOf(err))
}

// String is the snake_case name of the code used in envelopes and metrics.
func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeUsage:
		return "usage"
	case CodeAuth:
		return "auth"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeInfrastructure:
		return "infrastructure"
	case CodeAmbiguity:
		return "ambiguity"
	case CodeDomainInvalid:
		return "domain_invalid"
	case CodeOnChain:
		return "on_chain"
	case CodeBudgetExhausted:
		return "budget_exhausted"
	default:
		return "internal"
	}
}
