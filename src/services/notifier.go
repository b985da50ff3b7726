package services

import (
	"context"
	"log/slog"
	"time"

	"circles/src/lib"
	"circles/src/models"
)

// Notifier delivers governance notices to interested parties.
type Notifier interface {
	Notify(ctx context.Context, notice models.Notice) error
}

const notifyTimeout = 5 * time.Second

// dispatchNotice hands the notice to the notifier on its own goroutine. The
// caller's result never depends on delivery.
func dispatchNotice(ctx context.Context, n Notifier, logger *slog.Logger, metrics *lib.Metrics, notice models.Notice) {
	if n == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := n.Notify(ctx, notice); err != nil {
			metrics.Inc("notifications_failed_total")
			logger.Warn("notify failed", "type", notice.Type, "circle_id", notice.CircleID, "error", err)
			return
		}
		metrics.Inc("notifications_sent_total")
	}()
}
