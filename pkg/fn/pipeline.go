package fn

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stage is a function that transforms In to Out within a context.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// Then composes two stages, short-circuiting on error. A warning from the first
// stage survives a successful second stage.
func Then[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return func(ctx context.Context, a A) Result[C] {
		r := first(ctx, a)
		if r.IsErr() {
			return Forward[C](r)
		}
		next := second(ctx, r.val)
		if r.IsWarning() && next.status == StatusSuccess {
			return Warn(next.val, r.msg, r.meta, next.meta)
		}
		return next
	}
}

// MapStage wraps a pure function as a Stage.
func MapStage[In, Out any](f func(In) Out) Stage[In, Out] {
	return func(_ context.Context, in In) Result[Out] {
		return Ok(f(in))
	}
}

// TracedStage wraps a stage with OTel span creation.
func TracedStage[In, Out any](name string, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		ctx, span := otel.Tracer("pkg/fn").Start(ctx, name)
		defer span.End()
		result := stage(ctx, in)
		span.SetAttributes(attribute.String("result.status", string(result.Status())))
		switch {
		case result.IsErr():
			err := result.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case result.IsWarning():
			span.AddEvent("warning", trace.WithAttributes(attribute.String("message", result.Message())))
		}
		return result
	}
}
