package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestInitRejectsUnknownEncoding(t *testing.T) {
	err := Init("info", "xml")
	require.Error(t, err)
}

func TestOutcomeHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := ReplaceForTest(core)
	defer restore()

	Success("indexed document", zap.String("id", "a1"))
	Failure("failed to index document", errors.New("boom"), zap.String("id", "b2"))
	Notice("document not found in index", zap.String("id", "c3"))

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, OutcomeSuccess, entries[0].ContextMap()["outcome"])
	assert.Equal(t, "a1", entries[0].ContextMap()["id"])

	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, OutcomeFailure, entries[1].ContextMap()["outcome"])
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])

	assert.Equal(t, OutcomeInfo, entries[2].ContextMap()["outcome"])
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, SetLevel("warn"))
	assert.Equal(t, "warn", Level())
	require.NoError(t, SetLevel("info"))
	assert.Error(t, SetLevel("verbose"))
}
