package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestTestLogger_Assertions(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Info(ctx, "operation finalized", zap.String("status", "COMPLETED"))
	tl.AssertLogged(t, zapcore.InfoLevel, "finalized")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "finalized")
	tl.AssertField(t, "operation finalized", "status", "COMPLETED")

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestTestLogger_DetectsLeakedSecret(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "leak", zap.String("api_key", "sk-abcdefghijkl"))

	rec := &recordingTB{TB: t}
	tl.AssertNoSecrets(rec)
	assert.True(t, rec.failed)
}

type recordingTB struct {
	testing.TB
	failed bool
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(string, ...interface{}) { r.failed = true }

func TestTestLogger_TraceCorrelation(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(),
		trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID}))

	tl := NewTestLogger()
	tl.Info(ctx, "traced")
	tl.AssertTraceCorrelation(t, "traced")
}
