package pipeline

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-monitor/gateway/internal/domain"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type recordingCache struct {
	mu     sync.Mutex
	states []*domain.LiveState
}

func (c *recordingCache) PutLiveState(ctx context.Context, st *domain.LiveState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, st)
	return nil
}

func (c *recordingCache) snapshot() []*domain.LiveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*domain.LiveState(nil), c.states...)
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []*domain.Notification
	err error
}

func (p *recordingPublisher) Publish(ctx context.Context, n *domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, n)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(1, 1)

	done := make(chan struct{})
	go func() {
		d.DispatchState(&domain.LiveState{VehicleID: "a"})
		d.DispatchState(&domain.LiveState{VehicleID: "b"})
		d.DispatchNotification(&domain.Notification{Kind: domain.NotifyAlert})
		d.DispatchNotification(&domain.Notification{Kind: domain.NotifyAlert})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a full channel")
	}
	if len(d.StateChan) != 1 || len(d.NotifyChan) != 1 {
		t.Errorf("buffered = %d/%d, want 1/1", len(d.StateChan), len(d.NotifyChan))
	}
	if st := <-d.StateChan; st.VehicleID != "a" {
		t.Errorf("kept %q, want the first state", st.VehicleID)
	}
}

func TestStateWriterKeepsNewestPerVehicle(t *testing.T) {
	ch := make(chan *domain.LiveState, 10)
	cache := &recordingCache{}
	w := NewStateWriter(ch, cache, quietLogger(), 100, 10)

	ch <- &domain.LiveState{VehicleID: "v1", Event: domain.NormalizedEvent{Timestamp: testNow.Add(2 * time.Second)}}
	ch <- &domain.LiveState{VehicleID: "v1", Event: domain.NormalizedEvent{Timestamp: testNow}}
	ch <- &domain.LiveState{VehicleID: "v2", Event: domain.NormalizedEvent{Timestamp: testNow}}
	close(ch)

	w.Run(context.Background())

	got := cache.snapshot()
	if len(got) != 2 {
		t.Fatalf("writes = %d, want 2", len(got))
	}
	if got[0].VehicleID != "v1" || !got[0].Event.Timestamp.Equal(testNow.Add(2*time.Second)) {
		t.Errorf("v1 state = %+v", got[0])
	}
}

func TestNotifierDeliversToEveryPublisher(t *testing.T) {
	ch := make(chan *domain.Notification, 2)
	failing := &recordingPublisher{err: context.DeadlineExceeded}
	ok := &recordingPublisher{}
	n := NewNotifier(ch, quietLogger(), failing, ok)

	ch <- &domain.Notification{Kind: domain.NotifyAnomaly, TenantID: "tenant-a"}
	ch <- &domain.Notification{Kind: domain.NotifyAlert, TenantID: "tenant-a"}
	close(ch)
	n.Run(context.Background())

	if failing.count() != 2 || ok.count() != 2 {
		t.Errorf("deliveries = %d/%d, want 2/2", failing.count(), ok.count())
	}
}

func TestDispatcherCloseDrainsBuffered(t *testing.T) {
	d := NewDispatcher(4, 4)
	pub := &recordingPublisher{}
	n := NewNotifier(d.NotifyChan, quietLogger(), pub)

	for i := 0; i < 3; i++ {
		d.DispatchNotification(&domain.Notification{Kind: domain.NotifyAlert, TenantID: "tenant-a"})
	}
	d.Close()
	d.Close()

	done := make(chan struct{})
	go func() {
		n.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifier did not stop after the channel closed")
	}
	if pub.count() != 3 {
		t.Errorf("delivered = %d, want 3", pub.count())
	}

	// late dispatches are dropped, not sent on a closed channel
	d.DispatchNotification(&domain.Notification{Kind: domain.NotifyAlert})
	d.DispatchState(&domain.LiveState{VehicleID: "v1"})
}
