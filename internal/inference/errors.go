// Package inference defines the failure kinds that can end a prediction
// request. Every error that crosses a component boundary carries one of them.
package inference

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch without matching strings.
type Kind string

const (
	KindInvalidUpload         Kind = "InvalidUpload"
	KindImageDecode           Kind = "ImageDecodeError"
	KindModelLoad             Kind = "ModelLoadError"
	KindInference             Kind = "InferenceError"
	KindInvalidWorkerResponse Kind = "InvalidWorkerResponse"
	KindTimeout               Kind = "Timeout"
	KindUnavailable           Kind = "Unavailable"
)

var kinds = map[Kind]struct{}{
	KindInvalidUpload:         {},
	KindImageDecode:           {},
	KindModelLoad:             {},
	KindInference:             {},
	KindInvalidWorkerResponse: {},
	KindTimeout:               {},
	KindUnavailable:           {},
}

// ParseKind maps a wire value back to a Kind. Unknown values fall back to
// KindInference.
func ParseKind(s string) Kind {
	k := Kind(s)
	if _, ok := kinds[k]; ok {
		return k
	}
	return KindInference
}

// Error annotates an underlying error with its kind and the operation that
// produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New wraps err with kind and op. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInference if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInference
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
