package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-monitor/gateway/internal/metrics"
)

// ReplayWorker periodically re-drives failed messages whose retry time has
// come and orphans whose device has since been registered.
type ReplayWorker struct {
	gateway   *Gateway
	store     Store
	log       logrus.FieldLogger
	batchSize int
	interval  time.Duration
}

func NewReplayWorker(
	gateway *Gateway,
	store Store,
	log logrus.FieldLogger,
	batchSize int,
	interval time.Duration,
) *ReplayWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ReplayWorker{
		gateway:   gateway,
		store:     store,
		log:       log,
		batchSize: batchSize,
		interval:  interval,
	}
}

func (w *ReplayWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)

		case <-ctx.Done():
			return
		}
	}
}

// RunOnce replays one batch of due messages and returns how many were
// processed successfully.
func (w *ReplayWorker) RunOnce(ctx context.Context) int {
	due, err := w.store.ListReplayable(ctx, w.gateway.now(), w.batchSize)
	if err != nil {
		w.log.WithError(err).Error("listing replayable messages failed")
		return 0
	}

	processed := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			return processed
		}
		res, err := w.gateway.Replay(ctx, rec)
		if err != nil {
			metrics.ReplayOutcomes.WithLabelValues(string(StatusFailed)).Inc()
			w.log.WithError(err).WithField("idempotency_key", rec.IdempotencyKey).Warn("replay failed")
			continue
		}
		metrics.ReplayOutcomes.WithLabelValues(string(res.Status)).Inc()
		if res.Status == StatusProcessed {
			processed++
			w.log.WithFields(logrus.Fields{
				"idempotency_key": rec.IdempotencyKey,
				"events_stored":   res.EventsStored,
			}).Info("raw message replayed")
		}
	}
	return processed
}
