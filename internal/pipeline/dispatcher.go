package pipeline

import (
	"sync"

	"fleet-monitor/gateway/internal/domain"
	"fleet-monitor/gateway/internal/metrics"
)

// Dispatcher hands post-commit side effects to background workers without
// ever blocking the ingestion call. Full channels drop and count.
type Dispatcher struct {
	StateChan  chan *domain.LiveState
	NotifyChan chan *domain.Notification

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(stateSize, notifySize int) *Dispatcher {
	return &Dispatcher{
		StateChan:  make(chan *domain.LiveState, stateSize),
		NotifyChan: make(chan *domain.Notification, notifySize),
	}
}

func (d *Dispatcher) DispatchState(state *domain.LiveState) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.ChannelDrops.WithLabelValues("state").Inc()
		return
	}
	select {
	case d.StateChan <- state:
	default:
		metrics.ChannelDrops.WithLabelValues("state").Inc()
	}
}

func (d *Dispatcher) DispatchNotification(n *domain.Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.ChannelDrops.WithLabelValues("notify").Inc()
		return
	}
	select {
	case d.NotifyChan <- n:
	default:
		metrics.ChannelDrops.WithLabelValues("notify").Inc()
	}
}

// Close stops the workers once they drain what is buffered. Dispatches after
// Close are dropped. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.StateChan)
	close(d.NotifyChan)
}
