// Package logging wraps zap for feedbackd.
//
// It adds a Trace level below Debug, a stderr sink teed with an optional
// OpenTelemetry sink, level-aware sampling that never drops errors, and an
// encoder that redacts credentials by key and by value pattern.
//
// Correlation fields come from the context:
//
//	ctx = logging.WithScope(ctx, scope.Key())
//	ctx = logging.WithKind(ctx, string(kind))
//	logger.Info(ctx, "aggregation finished", zap.Int("synthesized", n))
//
// produces
//
//	{"level":"info","ts":"...","msg":"aggregation finished","service":"feedbackd",
//	 "scope":"support-bot/billing/*","kind":"feedback","synthesized":3}
//
// Components that take a *zap.Logger get Logger.Underlying. Tests use
// NewTestLogger and its Assert helpers.
package logging
