package events

import (
	"context"
	"log/slog"
)

// LogNotifier stands in for the push-notification dispatcher: it emits one
// structured log line per event, which the notification pipeline tails.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log-notifier" }

func (n *LogNotifier) Handle(_ context.Context, e Event) error {
	switch e.Kind {
	case KindLowBalanceWarning:
		n.logger.Info("low balance warning",
			"call_id", e.CallID, "user_id", e.UserID, "balance", e.Balance)
	default:
		n.logger.Info("call state transition",
			"call_id", e.CallID, "from", e.FromState, "to", e.ToState, "reason", e.Reason)
	}
	return nil
}
