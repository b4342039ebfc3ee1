package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-monitor/gateway/internal/domain"
)

type StateWriter struct {
	ch        <-chan *domain.LiveState
	cache     StateCache
	log       logrus.FieldLogger
	batchSize int
	flushMS   int
}

func NewStateWriter(
	ch <-chan *domain.LiveState,
	cache StateCache,
	log logrus.FieldLogger,
	batchSize int,
	flushMS int,
) *StateWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushMS <= 0 {
		flushMS = 50
	}
	return &StateWriter{ch: ch, cache: cache, log: log, batchSize: batchSize, flushMS: flushMS}
}

func (w *StateWriter) Run(ctx context.Context) {
	batch := make([]*domain.LiveState, 0, w.batchSize)
	ticker := time.NewTicker(time.Duration(w.flushMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case st, ok := <-w.ch:
			if !ok {
				w.flushBatch(ctx, batch)
				return
			}
			batch = append(batch, st)
			if len(batch) >= w.batchSize {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			w.flushBatch(context.Background(), batch)
			return
		}
	}
}

// flushBatch keeps only the newest state per vehicle.
func (w *StateWriter) flushBatch(ctx context.Context, batch []*domain.LiveState) {
	latest := make(map[string]*domain.LiveState, len(batch))
	order := make([]string, 0, len(batch))
	for _, st := range batch {
		cur, seen := latest[st.VehicleID]
		if !seen {
			order = append(order, st.VehicleID)
		}
		if !seen || !st.Event.Timestamp.Before(cur.Event.Timestamp) {
			latest[st.VehicleID] = st
		}
	}
	for _, id := range order {
		if err := w.cache.PutLiveState(ctx, latest[id]); err != nil {
			w.log.WithError(err).WithField("vehicle_id", id).Warn("live state update failed")
		}
	}
}
