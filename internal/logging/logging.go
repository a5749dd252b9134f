// Package logging builds the zap logger and adapts it for the Temporal SDK.
package logging

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	tlog "go.temporal.io/sdk/log"

	"hazard-orchestrator/internal/config"
)

// New builds a logger from the logging section of the configuration.
func New(c config.Logging) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", c.Level)
	}

	var zc zap.Config
	switch c.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "json", "":
		zc = zap.NewProductionConfig()
	default:
		return nil, errors.Errorf("invalid log format %q", c.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// TemporalLogger adapts a zap logger to the Temporal SDK logger interface.
type TemporalLogger struct {
	zl *zap.SugaredLogger
}

var (
	_ tlog.Logger     = (*TemporalLogger)(nil)
	_ tlog.WithLogger = (*TemporalLogger)(nil)
)

// NewTemporalLogger wraps zl.
func NewTemporalLogger(zl *zap.Logger) *TemporalLogger {
	// skip the adapter frame so caller info points at the SDK
	return &TemporalLogger{zl: zl.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *TemporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.zl.Debugw(msg, keyvals...)
}

func (l *TemporalLogger) Info(msg string, keyvals ...interface{}) {
	l.zl.Infow(msg, keyvals...)
}

func (l *TemporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.zl.Warnw(msg, keyvals...)
}

func (l *TemporalLogger) Error(msg string, keyvals ...interface{}) {
	l.zl.Errorw(msg, keyvals...)
}

func (l *TemporalLogger) With(keyvals ...interface{}) tlog.Logger {
	return &TemporalLogger{zl: l.zl.With(keyvals...)}
}
