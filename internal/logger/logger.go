package logger

import (
	"context"

	"go.uber.org/zap"
)

type batchKey struct{}

// NewLogger builds the process logger: a production JSON logger, or the
// console development logger when development is set.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// ContextWithBatchID tags ctx with the id of the running batch.
func ContextWithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, batchKey{}, batchID)
}

func BatchIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(batchKey{}).(string)
	return id
}

// WithBatch adds the batch id carried by ctx, if any, to logger.
func WithBatch(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if id := BatchIDFromContext(ctx); id != "" {
		return logger.With(zap.String("batch_id", id))
	}
	return logger
}
