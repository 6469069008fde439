package httpapi

import (
	"context"

	"github.com/MarkoPoloResearchLab/photorestore/pkg/credits"
	"go.uber.org/zap"
)

// ZapOperationLogger forwards credit-core operation events to zap.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wires the adapter.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements credits.OperationLogger.
func (adapter *ZapOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("paid_credits", entry.PaidCredits),
		zap.Bool("used_free", entry.UsedFree),
	}
	if entry.RestorationID != nil {
		fields = append(fields, zap.String("restoration_id", entry.RestorationID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("credit operation failed", fields...)
		return
	}
	adapter.logger.Info("credit operation", fields...)
}
