package logging

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context: the active span,
// then the run scope, kind and operation set by the With* helpers.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if scope := ScopeFromContext(ctx); scope != "" {
		fields = append(fields, zap.String("scope", scope))
	}
	if kind := KindFromContext(ctx); kind != "" {
		fields = append(fields, zap.String("kind", kind))
	}
	if op := OperationFromContext(ctx); op != nil {
		fields = append(fields,
			zap.String("operation.service", op.Service),
			zap.String("operation.scope", op.Scope),
		)
	}
	return fields
}

type scopeCtxKey struct{}
type kindCtxKey struct{}
type operationCtxKey struct{}

// Operation identifies a tracked batch.
type Operation struct {
	Service string
	Scope   string
}

const maxValueLen = 256

func validateValue(v, name string) error {
	if v == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(v) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(v) > maxValueLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxValueLen)
	}
	return nil
}

// WithScope records a scope key such as "agent/category/*".
// Panics on an empty or oversized key.
func WithScope(ctx context.Context, scope string) context.Context {
	if err := validateValue(scope, "scope"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, scopeCtxKey{}, scope)
}

// ScopeFromContext returns the scope key, or "".
func ScopeFromContext(ctx context.Context) string {
	s, _ := ctx.Value(scopeCtxKey{}).(string)
	return s
}

// WithKind records the item kind being processed.
// Panics on an empty or oversized kind.
func WithKind(ctx context.Context, kind string) context.Context {
	if err := validateValue(kind, "kind"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, kindCtxKey{}, kind)
}

// KindFromContext returns the kind, or "".
func KindFromContext(ctx context.Context) string {
	k, _ := ctx.Value(kindCtxKey{}).(string)
	return k
}

// WithOperation records the batch operation key.
// Panics if either part is empty or oversized.
func WithOperation(ctx context.Context, service, scope string) context.Context {
	if err := validateValue(service, "operation service"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	if err := validateValue(scope, "operation scope"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, operationCtxKey{}, &Operation{Service: service, Scope: scope})
}

// OperationFromContext returns the operation key, or nil.
func OperationFromContext(ctx context.Context) *Operation {
	op, _ := ctx.Value(operationCtxKey{}).(*Operation)
	return op
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
