package channels

import (
	"context"

	"go.uber.org/zap"
)

// Log is a dry-run sender that only logs the message. It always succeeds.
type Log struct {
	channel string
	logger  *zap.Logger
}

// NewLog creates a dry-run sender for channel.
func NewLog(channel string, logger *zap.Logger) *Log {
	return &Log{channel: channel, logger: logger}
}

func (l *Log) Send(_ context.Context, address, subject, body string) error {
	l.logger.Info("dry-run send",
		zap.String("channel", l.channel),
		zap.String("to", address),
		zap.String("subject", subject),
		zap.Int("body_len", len(body)),
	)
	return nil
}
