package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per failure kind.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrIndexOutOfRange   = errors.New("index out of range")
	ErrContentValidation = errors.New("content validation failed")
	ErrModel             = errors.New("model call failed")
	ErrPartialData       = errors.New("partial data")
)

// Kind classifies an error for callers that branch on failure type.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotFound
	KindIndexOutOfRange
	KindContentValidation
	KindModel
	KindPartialData
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInputError"
	case KindNotFound:
		return "NotFoundError"
	case KindIndexOutOfRange:
		return "IndexOutOfRangeError"
	case KindContentValidation:
		return "ContentValidationError"
	case KindModel:
		return "ModelError"
	case KindPartialData:
		return "PartialDataWarning"
	default:
		return "UnknownError"
	}
}

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindInvalidInput, ErrInvalidInput},
	{KindNotFound, ErrNotFound},
	{KindIndexOutOfRange, ErrIndexOutOfRange},
	{KindContentValidation, ErrContentValidation},
	{KindModel, ErrModel},
	{KindPartialData, ErrPartialData},
}

// KindOf returns the kind of the first sentinel err wraps.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindUnknown
}

// Error wraps a sentinel with the failing operation and optional cause.
type Error struct {
	Op        string
	Detail    string
	Retryable bool
	Wrapped   error
	Cause     error
}

func (e *Error) Error() string {
	msg := e.Wrapped.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Wrapped}
	}
	return []error{e.Wrapped, e.Cause}
}

// Errorf creates an Error for sentinel with a formatted detail.
func Errorf(sentinel error, op, format string, args ...any) *Error {
	return &Error{Op: op, Detail: fmt.Sprintf(format, args...), Wrapped: sentinel}
}

// NewModelError creates an ErrModel error. Retryable marks transient failures
// (timeouts, rate limits, 5xx, transport) apart from rejections.
func NewModelError(op string, retryable bool, cause error) *Error {
	return &Error{Op: op, Retryable: retryable, Wrapped: ErrModel, Cause: cause}
}

// IsRetryable reports whether err is a transient failure worth repeating.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
