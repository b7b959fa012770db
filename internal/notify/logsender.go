package notify

import (
	"context"

	"pricewatch/internal/model"
	"pricewatch/pkg/logx"
)

// LogSender stands in for delivery transports that live outside this
// process (email, push gateways). It records the delivery intent so the
// operator can verify routing without wiring real credentials.
type LogSender struct {
	channel string
	log     logx.Logger
}

func NewLogSender(channel string, log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{channel: channel, log: log}
}

func (l *LogSender) Channel() string { return l.channel }

func (l *LogSender) Send(_ context.Context, e model.NotificationEvent) error {
	l.log.Info("notification dispatched",
		logx.String("channel", l.channel),
		logx.String("watch", e.WatchID),
		logx.String("product", e.ProductID),
		logx.Float64("old", e.OldPrice),
		logx.Float64("new", e.NewPrice),
		logx.Float64("savings", e.Savings))
	return nil
}
