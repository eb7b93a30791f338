package engine

import (
	"fmt"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
)

type outcomeKind uint8

const (
	outcomeContinue outcomeKind = iota
	outcomeRedo
	outcomeAbort
)

// StepOutcome is what one resolution or simulation step tells its driver loop.
type StepOutcome struct {
	kind    outcomeKind
	list    []ResolvedAction
	failure *Failure
}

// Continue advances to the next index.
func Continue() StepOutcome { return StepOutcome{kind: outcomeContinue} }

// Redo re-processes the current index against the mutated list.
func Redo(list []ResolvedAction) StepOutcome { return StepOutcome{kind: outcomeRedo, list: list} }

// Abort ends the attempt with f.
func Abort(f *Failure) StepOutcome { return StepOutcome{kind: outcomeAbort, failure: f} }

// Failure is a classified, structured stage failure. Correction is set when the
// failure can be repaired by editing the raw plan.
type Failure struct {
	Class      clierr.Code
	Index      int
	Message    string
	Cause      error
	ChainHint  string
	Correction *Correction
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.Cause)
	}
	return f.Message
}

func (f *Failure) Unwrap() error { return f.Cause }

// Retryable reports whether the failure can be re-attempted unchanged.
func (f *Failure) Retryable() bool {
	return f.Class == clierr.CodeInfrastructure
}

func fail(class clierr.Code, index int, format string, args ...any) *Failure {
	return &Failure{Class: class, Index: index, Message: fmt.Sprintf(format, args...)}
}

// failFrom classifies err, keeping its code when it carries one.
func failFrom(err error, index int, message string) *Failure {
	class := clierr.CodeOf(err)
	switch class {
	case clierr.CodeUnavailable, clierr.CodeRateLimited, clierr.CodeInternal:
		class = clierr.CodeInfrastructure
	case clierr.CodeUsage:
		class = clierr.CodeAmbiguity
	}
	return &Failure{Class: class, Index: index, Message: message, Cause: err}
}

func (f *Failure) withCorrection(c *Correction) *Failure {
	f.Correction = c
	return f
}

func (f *Failure) withChain(chain string) *Failure {
	f.ChainHint = chain
	return f
}
