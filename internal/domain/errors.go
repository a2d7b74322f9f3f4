package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a component parameter outside its valid range.
	ErrConfiguration = errors.New("configuration error")

	// ErrStructuralMismatch marks inputs whose date or instrument axes
	// cannot be aligned.
	ErrStructuralMismatch = errors.New("structural mismatch")

	// ErrUndefinedRanking marks a cross-section with too few defined values
	// for a ranking statistic.
	ErrUndefinedRanking = errors.New("undefined ranking")

	// ErrMissingReturn marks a held instrument with no realized return under
	// the strict missing-return policy.
	ErrMissingReturn = errors.New("missing return for held instrument")
)

// ConfigError describes an invalid parameter value.
type ConfigError struct {
	Component string
	Param     string
	Value     any
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s=%v: %s", e.Component, e.Param, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// MismatchError describes which axis of two aligned inputs disagrees.
type MismatchError struct {
	Axis   string // "date" or "instrument"
	Detail string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("structural mismatch on %s axis: %s", e.Axis, e.Detail)
}

func (e *MismatchError) Unwrap() error { return ErrStructuralMismatch }
