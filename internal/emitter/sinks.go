// Package emitter delivers operator notifications: MQTT topics, the log
// and in-process subscribers such as the HTTP event stream.
package emitter

import (
	"context"
	"log/slog"
	"time"

	"github.com/BMS-GM/pick-point/internal/types"
)

// Notification is the wire form of one operator message
type Notification struct {
	types.Notification
	Timestamp time.Time `json:"timestamp"`
}

// NewNotification stamps a notification with the current time
func NewNotification(code types.Code, item types.Item, text string) Notification {
	return Notification{
		Notification: types.Notification{
			Code: code,
			Name: code.String(),
			Item: item,
			Text: text,
		},
		Timestamp: time.Now().UTC(),
	}
}

// Log writes notifications to the structured log
type Log struct {
	logger *slog.Logger
}

// NewLog uses logger, or the default logger when nil
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Report logs errors at warn level and everything else at info
func (l *Log) Report(code types.Code, item types.Item, text string) {
	level := slog.LevelInfo
	switch code {
	case types.CodeUnexpectedError, types.CodeKnownError, types.CodeWrongObjectRemoved, types.CodeWrongNumberMoved:
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, "notification",
		"code", int(code),
		"name", code.String(),
		"item", item.Type,
		"text", text,
	)
}

// Fanout reports to every sink in order
type Fanout []types.NotificationSink

// Report forwards to each sink
func (f Fanout) Report(code types.Code, item types.Item, text string) {
	for _, s := range f {
		if s != nil {
			s.Report(code, item, text)
		}
	}
}
