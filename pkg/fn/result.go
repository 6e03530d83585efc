package fn

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Status is the outcome class of a Result.
type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Meta carries advisory details about a result, e.g. which stage failed.
type Meta map[string]any

// defaultWarning is used when Warn is called without a message.
const defaultWarning = "partial result"

// Result[T] is the uniform outcome envelope. A payload is present iff the status
// is success or warning; a message is present iff the status is warning or error.
type Result[T any] struct {
	status Status
	val    T
	msg    string
	err    error
	meta   Meta
}

// Ok creates a successful Result.
func Ok[T any](v T, meta ...Meta) Result[T] {
	return Result[T]{status: StatusSuccess, val: v, meta: mergeMeta(nil, meta...)}
}

// Warn creates a Result that carries a payload along with a non-fatal message.
func Warn[T any](v T, msg string, meta ...Meta) Result[T] {
	if msg == "" {
		msg = defaultWarning
	}
	return Result[T]{status: StatusWarning, val: v, msg: msg, meta: mergeMeta(nil, meta...)}
}

// Err creates a failed Result from an error. Passing a nil error is a contract
// violation and panics.
func Err[T any](err error, meta ...Meta) Result[T] {
	if err == nil {
		panic("fn: Err called with nil error")
	}
	return Result[T]{status: StatusError, err: err, msg: err.Error(), meta: mergeMeta(nil, meta...)}
}

// Errf creates a failed Result from a formatted string.
func Errf[T any](format string, args ...any) Result[T] {
	return Err[T](fmt.Errorf(format, args...))
}

// Status reports the outcome class.
func (r Result[T]) Status() Status {
	if r.status == "" {
		return StatusError
	}
	return r.status
}

// IsOk returns true if the result carries a payload (success or warning).
func (r Result[T]) IsOk() bool { return r.status == StatusSuccess || r.status == StatusWarning }

// IsErr returns true if the result is an error.
func (r Result[T]) IsErr() bool { return !r.IsOk() }

// IsWarning returns true if the result carries a payload and a warning.
func (r Result[T]) IsWarning() bool { return r.status == StatusWarning }

// Unwrap returns the value and error. Warnings unwrap with a nil error.
func (r Result[T]) Unwrap() (T, error) {
	if r.IsOk() {
		return r.val, nil
	}
	return r.val, r.Error()
}

// Error returns the underlying error, or nil for success and warning.
func (r Result[T]) Error() error {
	if r.IsOk() {
		return nil
	}
	if r.err == nil {
		return errors.New("fn: zero Result")
	}
	return r.err
}

// Message returns the human-readable message; empty on success.
func (r Result[T]) Message() string { return r.msg }

// Meta returns the metadata map. Callers must treat it as read-only.
func (r Result[T]) Meta() Meta { return r.meta }

// MetaString returns a string metadata value, or "" if absent.
func (r Result[T]) MetaString(key string) string {
	s, _ := r.meta[key].(string)
	return s
}

// WithMeta returns a copy of r with kv merged into its metadata.
func (r Result[T]) WithMeta(kv Meta) Result[T] {
	r.meta = mergeMeta(r.meta, kv)
	return r
}

// Must returns the value or panics on error.
func (r Result[T]) Must() T {
	if !r.IsOk() {
		panic(r.Error())
	}
	return r.val
}

// UnwrapOr returns the value or a fallback on error.
func (r Result[T]) UnwrapOr(fallback T) T {
	if !r.IsOk() {
		return fallback
	}
	return r.val
}

// MapResult transforms Result[T] to Result[U], keeping status, message, and metadata.
func MapResult[T, U any](r Result[T], f func(T) U) Result[U] {
	out := Result[U]{status: r.status, msg: r.msg, err: r.err, meta: r.meta}
	if r.IsOk() {
		out.val = f(r.val)
	}
	return out
}

// Forward re-types a failed Result, keeping its error, message, and metadata.
// Forwarding a non-error Result is a contract violation and panics.
func Forward[U, T any](r Result[T]) Result[U] {
	if r.IsOk() {
		panic("fn: Forward called on ok Result")
	}
	return Result[U]{status: StatusError, msg: r.msg, err: r.Error(), meta: r.meta}
}

// FromPair creates a Result from a (value, error) pair.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(v)
}

type envelopeJSON[T any] struct {
	Status   Status `json:"status"`
	Data     *T     `json:"data,omitempty"`
	Message  string `json:"message,omitempty"`
	Metadata Meta   `json:"metadata,omitempty"`
}

// MarshalJSON encodes the envelope as {status, data, message, metadata}.
func (r Result[T]) MarshalJSON() ([]byte, error) {
	env := envelopeJSON[T]{Status: r.Status(), Message: r.msg, Metadata: r.meta}
	if r.IsOk() {
		v := r.val
		env.Data = &v
	} else if env.Message == "" {
		env.Message = r.Error().Error()
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes an envelope produced by MarshalJSON. An error envelope
// is restored with an opaque error carrying its message.
func (r *Result[T]) UnmarshalJSON(b []byte) error {
	var env envelopeJSON[T]
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	*r = Result[T]{status: env.Status, msg: env.Message, meta: env.Metadata}
	switch env.Status {
	case StatusSuccess, StatusWarning:
		if env.Data != nil {
			r.val = *env.Data
		}
	case StatusError:
		r.err = errors.New(env.Message)
	default:
		return fmt.Errorf("fn: unknown status %q", env.Status)
	}
	return nil
}

func mergeMeta(base Meta, extra ...Meta) Meta {
	n := len(base)
	for _, m := range extra {
		n += len(m)
	}
	if n == 0 {
		return nil
	}
	out := make(Meta, n)
	maps.Copy(out, base)
	for _, m := range extra {
		maps.Copy(out, m)
	}
	return out
}
