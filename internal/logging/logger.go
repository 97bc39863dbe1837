package logging

import (
	"go.uber.org/zap"
)

// ServiceName is attached to every log line.
const ServiceName = "idverify"

// NewLogger builds a production ready structured logger.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.InitialFields = map[string]interface{}{"service": ServiceName}
	return cfg.Build()
}

// WithOperation enriches the logger with operation and session identifiers.
func WithOperation(logger *zap.Logger, operation, sessionID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if sessionID != "" {
		fields = append(fields, zap.String("session_id", sessionID))
	}
	return logger.With(fields...)
}

// WithStep is WithOperation plus the workflow step the operation ran in.
func WithStep(logger *zap.Logger, operation, sessionID, step string) *zap.Logger {
	opLogger := WithOperation(logger, operation, sessionID)
	if step == "" {
		return opLogger
	}
	return opLogger.With(zap.String("step", step))
}
