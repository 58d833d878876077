package trigger

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger routes cron's internal logging to zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

var _ cron.Logger = cronLogger{}

func newCronLogger(logger *zap.Logger) cronLogger {
	return cronLogger{sugar: logger.Sugar()}
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// watermillLogger routes watermill's logging to zap.
type watermillLogger struct {
	logger *zap.Logger
}

var _ watermill.LoggerAdapter = watermillLogger{}

func newWatermillLogger(logger *zap.Logger) watermillLogger {
	return watermillLogger{logger: logger}
}

func fields(f watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l watermillLogger) Error(msg string, err error, f watermill.LogFields) {
	l.logger.Error(msg, append(fields(f), zap.Error(err))...)
}

func (l watermillLogger) Info(msg string, f watermill.LogFields) {
	l.logger.Info(msg, fields(f)...)
}

func (l watermillLogger) Debug(msg string, f watermill.LogFields) {
	l.logger.Debug(msg, fields(f)...)
}

func (l watermillLogger) Trace(msg string, f watermill.LogFields) {
	l.logger.Debug(msg, fields(f)...)
}

func (l watermillLogger) With(f watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{logger: l.logger.With(fields(f)...)}
}
