package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"fleet-monitor/gateway/internal/domain"
)

// Notifier drains the notification channel into every configured publisher.
// A failing publisher does not stop delivery to the others.
type Notifier struct {
	ch         <-chan *domain.Notification
	publishers []Publisher
	log        logrus.FieldLogger
}

func NewNotifier(ch <-chan *domain.Notification, log logrus.FieldLogger, publishers ...Publisher) *Notifier {
	return &Notifier{ch: ch, publishers: publishers, log: log}
}

func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case msg, ok := <-n.ch:
			if !ok {
				return
			}
			n.deliver(ctx, msg)

		case <-ctx.Done():
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, msg *domain.Notification) {
	for _, p := range n.publishers {
		if err := p.Publish(ctx, msg); err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{
				"kind":      msg.Kind,
				"tenant_id": msg.TenantID,
				"device_id": msg.DeviceID,
			}).Warn("notification publish failed")
		}
	}
}
