package observability

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/workwell/internal/config"
	"github.com/pitabwire/workwell/model"
)

type loggerKey struct{}

// NewLogger builds the process logger. "console" format is meant for local
// runs; anything else logs JSON to stdout.
//
// Levels:
//   - error: 5xx responses, panics, failed infrastructure
//   - warn:  4xx responses, breaker trips, skipped assignment updates
//   - info:  requests, lifecycle transitions, collection completions
//   - debug: remote calls and payloads, cache traffic, aggregation detail
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = nil
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder

	return zc.Build(zap.Fields(zap.String("version", Version)))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback when there is none.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's
// identity and correlation fields. Empty optional fields are omitted.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	for _, opt := range []struct{ key, val string }{
		{"device_id", rctx.DeviceID},
		{"timezone", rctx.Timezone},
		{"trace_id", rctx.TraceID},
		{"span_id", rctx.SpanID},
	} {
		if opt.val != "" {
			fields = append(fields, zap.String(opt.key, opt.val))
		}
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// sensitiveKeys are masked in logged payloads wherever they appear. Member
// answers live under "response" inside user_response.questions.
var sensitiveKeys = map[string]bool{
	"authorization": true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"password":      true,
	"secret":        true,
	"email":         true,
	"response":      true,
}

// RedactJSON returns payload with the values of sensitive keys masked, at
// any depth and inside arrays. Keys match case-insensitively; extra adds
// to the built-in set. Payloads that are not JSON are replaced entirely.
func RedactJSON(payload []byte, extra ...string) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return json.RawMessage(`"` + redacted + `"`)
	}

	keys := sensitiveKeys
	if len(extra) > 0 {
		keys = make(map[string]bool, len(sensitiveKeys)+len(extra))
		for k := range sensitiveKeys {
			keys[k] = true
		}
		for _, k := range extra {
			keys[strings.ToLower(k)] = true
		}
	}

	out, err := json.Marshal(redactValue(doc, keys))
	if err != nil {
		return json.RawMessage(`"` + redacted + `"`)
	}
	return out
}

func redactValue(v any, keys map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if keys[strings.ToLower(k)] {
				t[k] = redacted
				continue
			}
			t[k] = redactValue(child, keys)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = redactValue(child, keys)
		}
		return t
	default:
		return v
	}
}
