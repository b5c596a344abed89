package logging

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CronLogger adapts a zerolog logger to cron.Logger.
type CronLogger struct {
	log zerolog.Logger
}

var _ cron.Logger = CronLogger{}

// NewCronLogger wraps log with a component field.
func NewCronLogger(log zerolog.Logger) CronLogger {
	return CronLogger{log: log.With().Str("component", "cron").Logger()}
}

func (l CronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l CronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
