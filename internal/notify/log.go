package notify

import (
	"context"
	"log/slog"
)

// LogSender logs notifications instead of delivering them. Useful for
// development and as the default channel when nothing else is
// configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender. If logger is nil, slog.Default()
// is used.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, ownerID, message string, meta map[string]any) error {
	s.logger.Info("notify.LogSender", "owner", ownerID, "message", message, "meta", meta)
	return nil
}
