package notifier

import (
	"context"

	"github.com/vitos/futures_ladder/internal/domain"
	"go.uber.org/zap"
)

// Log writes notifications to the logger only.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, n domain.Notification) {
	l.logger.Info("Notification",
		zap.String("kind", string(n.Kind)),
		zap.Int64("user_id", n.UserID),
		zap.Int64("order_id", n.OrderID),
		zap.String("symbol", n.Symbol),
		zap.String("text", n.Text),
	)
}

// Multi fans a notification out to several notifiers.
type Multi []domain.Notifier

func (m Multi) Notify(ctx context.Context, n domain.Notification) {
	for _, x := range m {
		x.Notify(ctx, n)
	}
}
