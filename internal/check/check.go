// Package check holds the assertion helpers test bodies use. Each helper
// returns a *Failure on violation and nil otherwise; the runner classifies a
// *Failure as fail and a *NotApplicableError as not_applicable.
package check

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"

	"github.com/pkg/errors"
)

// Failure reports that the target behaved incorrectly.
type Failure struct {
	Message string
}

func (e *Failure) Error() string {
	return e.Message
}

// Failf builds a *Failure carrying the stack of the assertion that fired.
func Failf(format string, args ...any) error {
	return errors.WithStack(&Failure{Message: fmt.Sprintf(format, args...)})
}

// NotApplicableError reports that a test cannot run on this target.
type NotApplicableError struct {
	Reason string
}

func (e *NotApplicableError) Error() string {
	return "not applicable: " + e.Reason
}

// NotApplicable builds a *NotApplicableError carrying the caller's stack.
func NotApplicable(format string, args ...any) error {
	return errors.WithStack(&NotApplicableError{Reason: fmt.Sprintf(format, args...)})
}

// IsFailure reports whether err wraps a *Failure.
func IsFailure(err error) bool {
	var failure *Failure
	return errors.As(err, &failure)
}

// IsNotApplicable reports whether err wraps a *NotApplicableError.
func IsNotApplicable(err error) bool {
	var na *NotApplicableError
	return errors.As(err, &na)
}

func Equal[T comparable](want, got T) error {
	if want != got {
		return Failf("%v != %v", want, got)
	}
	return nil
}

func NotEqual[T comparable](a, b T) error {
	if a == b {
		return Failf("%v == %v", a, b)
	}
	return nil
}

func In[T comparable](item T, collection []T) error {
	if !slices.Contains(collection, item) {
		return Failf("%v not in %v", item, collection)
	}
	return nil
}

func NotIn[T comparable](item T, collection []T) error {
	if slices.Contains(collection, item) {
		return Failf("%v in %v", item, collection)
	}
	return nil
}

func Greater[T cmp.Ordered](a, b T) error {
	if !(a > b) {
		return Failf("%v not greater than %v", a, b)
	}
	return nil
}

func GreaterEqual[T cmp.Ordered](a, b T) error {
	if !(a >= b) {
		return Failf("%v not greater than or equal to %v", a, b)
	}
	return nil
}

func Less[T cmp.Ordered](a, b T) error {
	if !(a < b) {
		return Failf("%v not less than %v", a, b)
	}
	return nil
}

func LessEqual[T cmp.Ordered](a, b T) error {
	if !(a <= b) {
		return Failf("%v not less than or equal to %v", a, b)
	}
	return nil
}

// True fails with message when cond is false.
func True(cond bool, message string) error {
	if !cond {
		return Failf("%s", message)
	}
	return nil
}

// Matches fails unless pattern matches somewhere in text.
func Matches(pattern, text string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	if !re.MatchString(text) {
		return Failf("pattern %q does not match %q", pattern, text)
	}
	return nil
}

// All returns the first non-nil error, so a body can chain checks.
func All(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
