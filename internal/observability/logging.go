package observability

import (
	"context"
	"slices"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/assessor/internal/config"
	"github.com/pitabwire/assessor/model"
)

type loggerKey struct{}

// NewLogger builds the service logger. "json" (the default) starts from
// zap's production preset, "console" from the development one. Unknown
// levels fall back to info. Every entry carries the service version.
//
// Levels: error for infrastructure failures and 5xx responses, warn for 4xx
// and degraded dependencies, info for state changes (workflow transitions,
// appeal status, session joins), debug for condition evaluation and
// heartbeat sweeps.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
		// Workflow transitions repeat the same message at high rates.
		zc.Sampling = nil
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.InitialFields = map[string]any{"version": Version}

	return zc.Build()
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the request-scoped logger installed by the transport
// layer, or fallback outside a request.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, _ := ctx.Value(loggerKey{}).(*zap.Logger); l != nil {
		return l
	}
	return fallback
}

// RequestLogger is LoggerFrom plus the caller's subject, correlation id and
// trace ids, so service logs can be joined with access logs and spans.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	for key, val := range map[string]string{
		"trace_id": rctx.TraceID,
		"span_id":  SpanIDFromContext(ctx),
	} {
		if val != "" {
			fields = append(fields, zap.String(key, val))
		}
	}
	return logger.With(fields...)
}

// redactedFields are owner and credential fields that never reach debug
// logs.
var redactedFields = []string{
	"ssn", "tax_id", "date_of_birth", "bank_account", "phone",
	"password", "token", "access_token", "authorization",
}

// RedactBody returns a copy of body with owner PII and credentials replaced
// by "[REDACTED]". extra names further fields to hide. Nested objects are
// redacted recursively; the input is not modified.
func RedactBody(body map[string]any, extra ...string) map[string]any {
	if body == nil {
		return nil
	}

	result := make(map[string]any, len(body))
	for k, v := range body {
		if slices.Contains(redactedFields, k) || slices.Contains(extra, k) {
			result[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = RedactBody(nested, extra...)
		}
		result[k] = v
	}
	return result
}
