package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", "console")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = NewLogger("warn", "json")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = NewLogger("loud", "json")
	require.Error(t, err)

	_, err = NewLogger("info", "xml")
	require.Error(t, err)
}

func TestWithOperationAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	WithOperation(zap.New(core), "predict", "req-1").Info("done")
	WithOperation(zap.New(core), "ping", "").Info("done")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "predict", entries[0].ContextMap()["operation"])
	require.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	require.NotContains(t, entries[1].ContextMap(), "request_id")
}

func TestOperationError(t *testing.T) {
	cause := errors.New("boom")

	err := NewOperationError("diagnose", "req-9", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "diagnose (request_id=req-9): boom", err.Error())

	require.Equal(t, "diagnose: boom", NewOperationError("diagnose", "", cause).Error())
	require.NoError(t, NewOperationError("diagnose", "", nil))
}
