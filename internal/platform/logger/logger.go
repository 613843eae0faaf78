package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

// Logger wraps a zap sugared logger behind a keys-and-values API so call
// sites stay free of zap types.
type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, redactKVs(keysAndValues)...)
}
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, redactKVs(keysAndValues)...)
}
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, redactKVs(keysAndValues)...)
}
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, redactKVs(keysAndValues)...)
}
func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Fatalw(msg, redactKVs(keysAndValues)...)
}

func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(redactKVs(keysAndValues)...)}
}

// Keys whose values never reach log output when LOG_REDACT_IDENTIFIERS is
// enabled. Source IPs and visitor ids are personal data under most privacy
// regimes.
var redactedKeys = map[string]struct{}{
	"ip":         {},
	"client_ip":  {},
	"visitor_id": {},
}

func redactKVs(kv []interface{}) []interface{} {
	if !redactionOn() || len(kv) == 0 {
		return kv
	}
	out := make([]interface{}, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		out = append(out, kv[i])
		key, ok := kv[i].(string)
		if !ok {
			out = append(out, kv[i+1])
			continue
		}
		if _, redact := redactedKeys[strings.ToLower(key)]; redact {
			out = append(out, "[REDACTED]")
		} else {
			out = append(out, kv[i+1])
		}
	}
	return out
}

func redactionOn() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_REDACT_IDENTIFIERS")))
	return v == "1" || v == "true" || v == "yes"
}
