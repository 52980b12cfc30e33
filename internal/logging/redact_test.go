package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/feedbackd/internal/config"
)

func newBufferLogger(t *testing.T, cfg RedactionConfig) (*zap.Logger, *bytes.Buffer) {
	t.Helper()
	enc, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)
	var buf bytes.Buffer
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)), &buf
}

func TestRedactingEncoder_SensitiveKeys(t *testing.T) {
	logger, buf := newBufferLogger(t, NewDefaultConfig().Redaction)

	logger.Info("calling provider",
		zap.String("api_key", "abc123"),
		zap.String("Authorization", "xyz"),
		zap.String("model", "gpt-4o-mini"),
	)

	out := buf.String()
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "xyz")
	assert.Contains(t, out, `"api_key":"[REDACTED]"`)
	assert.Contains(t, out, `"model":"gpt-4o-mini"`)
}

func TestRedactingEncoder_ValuePatterns(t *testing.T) {
	logger, buf := newBufferLogger(t, NewDefaultConfig().Redaction)

	logger.Info("feedback text sk-abcdefghijkl pasted", zap.String("content", "use Bearer eyJhbGci in header"))

	out := buf.String()
	assert.NotContains(t, out, "sk-abcdefghijkl")
	assert.NotContains(t, out, "eyJhbGci")
	assert.Contains(t, out, `"content":"[REDACTED:pattern]"`)
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	logger, buf := newBufferLogger(t, NewDefaultConfig().Redaction)

	logger.With(zap.String("token", "t0k3n")).Info("child")

	assert.NotContains(t, buf.String(), "t0k3n")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	logger, buf := newBufferLogger(t, RedactionConfig{Enabled: false})

	logger.Info("plain", zap.String("api_key", "visible"))

	assert.Contains(t, buf.String(), "visible")
}

func TestNewRedactingEncoder_RejectsBadPatterns(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{"["}})
	assert.Error(t, err)

	long := make([]byte, maxPatternLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{string(long)}})
	assert.Error(t, err)
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Logger.Underlying().Info("configured", Secret("api_key", config.Secret("sk-live-abcdefgh")), RedactedString("password", "hunter2"))

	entries := tl.FilterMessage("configured").All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, map[string]interface{}{"api_key": "[REDACTED:16]"}, ctx["api_key"])
	assert.Equal(t, "[REDACTED:7]", ctx["password"])
	tl.AssertNoSecrets(t)
}
