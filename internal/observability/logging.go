package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/listflow/internal/config"
	"github.com/pitabwire/listflow/model"
)

type loggerKey struct{}

// Log format names accepted by observability.log_format.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// NewLogger builds the process logger from the observability settings.
// JSON goes to stdout for the daemon. Console output goes to stderr so it
// stays out of CLI results printed on stdout.
//
// Levels in use:
//   - error: store failures, panics, 5xx responses
//   - warn:  4xx responses, version conflicts, AI failures, breaker trips
//   - info:  requests, stage transitions, idempotent replays
//   - debug: AI retries, redacted request bodies
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		parsed, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("observability: log level %q: %w", cfg.LogLevel, err)
		}
		level = parsed
	}

	enc := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoding, sink string
	switch strings.ToLower(cfg.LogFormat) {
	case "", LogFormatJSON:
		encoding, sink = LogFormatJSON, "stdout"
		enc.EncodeLevel = zapcore.LowercaseLevelEncoder
	case LogFormatConsole:
		encoding, sink = LogFormatConsole, "stderr"
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("observability: unknown log format %q", cfg.LogFormat)
	}

	return zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      []string{sink},
		ErrorOutputPaths: []string{"stderr"},
	}.Build(zap.Fields(zap.String("service", "listflow")))
}

// WithLogger attaches logger to ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger attached to ctx, or fallback when there is none.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger tags the context logger with the acting user and the
// correlation and trace ids of the request.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 3)
	fields = append(fields,
		zap.String("user_id", rctx.UserID),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// Keys are compared lowercased.
var alwaysRedacted = []string{"password", "secret", "token", "api_key", "authorization"}

// RedactBody copies a decoded JSON body for debug logging, masking the
// values of credential-like keys at any depth, including inside arrays.
// extra adds keys to the built-in list.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	keys := make(map[string]struct{}, len(alwaysRedacted)+len(extra))
	for _, k := range alwaysRedacted {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return redactObject(body, keys)
}

func redactObject(obj map[string]any, keys map[string]struct{}) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if _, hit := keys[strings.ToLower(k)]; hit {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		return redactObject(t, keys)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, keys)
		}
		return out
	default:
		return v
	}
}
