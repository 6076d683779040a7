package memory

import (
	"errors"
	"fmt"
)

// Code classifies failures at the subsystem boundary.
type Code string

const (
	CodeNotFound             Code = "not_found"
	CodeLockContention       Code = "lock_contention"
	CodeExtractionFailed     Code = "extraction_failed"
	CodeEmbeddingUnavailable Code = "embedding_unavailable"
	CodeRecallTimeout        Code = "recall_timeout"
	CodeDimensionMismatch    Code = "dimension_mismatch"
	CodeInvalidArgument      Code = "invalid_argument"
	CodeInternal             Code = "internal"
)

// Error is the only error type returned by the longterm facade.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound) works
// regardless of Op and cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Err == nil
}

var (
	ErrNotFound             = &Error{Code: CodeNotFound}
	ErrLockContention       = &Error{Code: CodeLockContention}
	ErrExtractionFailed     = &Error{Code: CodeExtractionFailed}
	ErrEmbeddingUnavailable = &Error{Code: CodeEmbeddingUnavailable}
	ErrRecallTimeout        = &Error{Code: CodeRecallTimeout}
	ErrDimensionMismatch    = &Error{Code: CodeDimensionMismatch}
	ErrInvalidArgument      = &Error{Code: CodeInvalidArgument}
	ErrInternal             = &Error{Code: CodeInternal}
)

// E builds an *Error.
func E(op string, code Code, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the code of the outermost *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Translate converts any error into an *Error for op. Existing codes are kept and
// everything else, expired deadlines included, becomes Internal. Recall maps its
// own deadlines to RecallTimeout before reaching here.
func Translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			return E(op, e.Code, err)
		}
		return err
	}
	return E(op, CodeInternal, err)
}

// CheckDimension rejects embeddings whose length differs from dim. Nil is allowed.
func CheckDimension(embedding []float32, dim int) error {
	if embedding == nil {
		return nil
	}
	if len(embedding) != dim {
		return E("embedding.check", CodeDimensionMismatch, fmt.Errorf("expected %d components, got %d", dim, len(embedding)))
	}
	return nil
}
