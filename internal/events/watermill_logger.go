package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ignite/flow-engine/internal/pkg/logger"
)

// watermillLogger routes watermill's internal logging through the service
// logger. Trace is folded into debug.
type watermillLogger struct {
	log *logger.Logger
}

// NewWatermillLogger returns a watermill.LoggerAdapter backed by logger.
func NewWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{log: logger.With("component", "watermill")}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.log.Error(msg, append(flatten(fields), "error", err)...)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.log.Info(msg, flatten(fields)...)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.log.Debug(msg, flatten(fields)...)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.log.Debug(msg, flatten(fields)...)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{log: w.log.With(flatten(fields)...)}
}

func flatten(fields watermill.LogFields) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
