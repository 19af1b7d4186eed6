package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithBatch(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	WithBatch(context.Background(), base).Info("no batch")
	ctx := ContextWithBatchID(context.Background(), "b-1")
	WithBatch(ctx, base).Info("in batch")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Empty(t, entries[0].ContextMap())
	require.Equal(t, "b-1", entries[1].ContextMap()["batch_id"])
	require.Equal(t, "b-1", BatchIDFromContext(ctx))
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(true)
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = NewLogger(false)
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zapcore.DebugLevel))
}
