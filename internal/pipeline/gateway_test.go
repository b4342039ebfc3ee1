package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleet-monitor/gateway/internal/domain"
	"fleet-monitor/gateway/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type gatewayFixture struct {
	gw    *Gateway
	store *store.MemoryStore
	clock *testClock
	disp  *Dispatcher
}

func newFixture(t *testing.T, mutate func(*Options)) *gatewayFixture {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutDevice(domain.Device{ID: "dev-1", TenantID: "tenant-a", VehicleID: "veh-1", Active: true})
	st.PutDevice(domain.Device{ID: "dev-2", TenantID: "tenant-a", VehicleID: "veh-2", Active: true})

	clock := &testClock{t: testNow}
	disp := NewDispatcher(16, 16)
	opts := Options{
		Dispatcher: disp,
		Logger:     quietLogger(),
		Now:        clock.now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &gatewayFixture{gw: NewGateway(st, opts), store: st, clock: clock, disp: disp}
}

func rec(ts time.Time, lat, lng, speed float64) domain.RawRecord {
	return domain.RawRecord{
		"timestamp": ts.Format(time.RFC3339Nano),
		"lat":       lat,
		"lng":       lng,
		"speed":     speed,
	}
}

func batch(deviceID string, recs ...domain.RawRecord) *domain.GatewayPayload {
	return &domain.GatewayPayload{DeviceID: deviceID, Events: recs}
}

func TestIngestStoresOnlyValidEvents(t *testing.T) {
	f := newFixture(t, nil)
	t0 := testNow.Add(-time.Hour)

	res, err := f.gw.Ingest(context.Background(), batch("dev-1",
		rec(t0, 25.2, 55.27, 40),
		rec(t0.Add(time.Second), 95, 55.27, 40),
		rec(t0.Add(2*time.Second), 0, 0, 40),
		rec(t0.Add(3*time.Second), 25.2001, 55.2701, 41),
		rec(t0.Add(4*time.Second), 25.2002, 55.2702, 999),
	), Hints{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusProcessed || !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.EventsNormalized != 5 || res.EventsStored != 2 || len(res.Rejected) != 3 {
		t.Fatalf("normalized/stored/rejected = %d/%d/%d", res.EventsNormalized, res.EventsStored, len(res.Rejected))
	}
	if got := len(f.store.Events()); got != 2 {
		t.Errorf("store holds %d events, want 2", got)
	}
	raw, _ := f.store.GetRawMessage(context.Background(), res.IdempotencyKey)
	if raw == nil || raw.Status != domain.RawStatusProcessed || raw.EventCount != 2 || raw.TenantID != "tenant-a" {
		t.Errorf("raw record = %+v", raw)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.store.PutPolicy(speedPolicy("p1", 80, domain.SeverityHigh))
	t0 := testNow.Add(-time.Minute)

	weak := rec(t0.Add(time.Second), 25.2001, 55.27, 95)
	weak["satellites"] = 1
	p := batch("dev-1", rec(t0, 25.2, 55.27, 50), weak)

	first, err := f.gw.Ingest(context.Background(), p, Hints{})
	if err != nil {
		t.Fatal(err)
	}
	if first.EventsStored != 2 || first.AnomaliesDetected != 1 || first.AlertsTriggered != 1 {
		t.Fatalf("first = %+v", first)
	}

	second, err := f.gw.Ingest(context.Background(), p, Hints{})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.Status != StatusDuplicate || !second.Success {
		t.Fatalf("second = %+v", second)
	}
	if second.EventsStored != 0 || second.IdempotencyKey != first.IdempotencyKey {
		t.Errorf("second = %+v", second)
	}
	if len(f.store.Events()) != 2 || len(f.store.Anomalies()) != 1 || len(f.store.Alerts()) != 1 {
		t.Errorf("duplicate changed the store: %d events %d anomalies %d alerts",
			len(f.store.Events()), len(f.store.Anomalies()), len(f.store.Alerts()))
	}
	if p := f.store.Policy("p1"); p.TriggerCount != 1 {
		t.Errorf("trigger count = %d, want 1", p.TriggerCount)
	}
}

func TestIngestInProgressDuplicate(t *testing.T) {
	f := newFixture(t, nil)
	_, claimed, err := f.store.ClaimRawMessage(context.Background(), &domain.RawMessageRecord{
		ID:             "raw-1",
		DeviceID:       "dev-1",
		IdempotencyKey: "k1",
		Status:         domain.RawStatusProcessing,
	}, time.Minute)
	if err != nil || !claimed {
		t.Fatalf("pre-claim: %v %v", claimed, err)
	}

	res, err := f.gw.Ingest(context.Background(), batch("dev-1", rec(testNow, 25.2, 55.27, 10)), Hints{IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusInProgress || !res.Duplicate {
		t.Errorf("result = %+v", res)
	}
	if len(f.store.Events()) != 0 {
		t.Error("in-flight duplicate stored events")
	}
}

func TestIngestAnomalyScenarios(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	t0 := testNow.Add(-time.Minute)

	// dev-1 teleports 3 km in 5 s while reporting no speed.
	if _, err := f.gw.Ingest(ctx, batch("dev-1", rec(t0, 25, 55, 0)), Hints{}); err != nil {
		t.Fatal(err)
	}
	res, err := f.gw.Ingest(ctx, batch("dev-1", rec(t0.Add(5*time.Second), 25+metresNorth(3000), 55, 0)), Hints{})
	if err != nil {
		t.Fatal(err)
	}
	if res.AnomaliesDetected != 1 {
		t.Fatalf("anomalies = %d, want 1", res.AnomaliesDetected)
	}
	a := f.store.Anomalies()[0]
	if a.Confidence < 0.6 || (a.Type != domain.AnomalySpoofing && a.Type != domain.AnomalyDrift) {
		t.Errorf("anomaly = %+v", a)
	}

	// dev-2 moves 50 m in 5 s at 36 km/h.
	if _, err := f.gw.Ingest(ctx, batch("dev-2", rec(t0, 30, 50, 36)), Hints{}); err != nil {
		t.Fatal(err)
	}
	res, err = f.gw.Ingest(ctx, batch("dev-2", rec(t0.Add(5*time.Second), 30+metresNorth(50), 50, 36)), Hints{})
	if err != nil {
		t.Fatal(err)
	}
	if res.AnomaliesDetected != 0 {
		t.Errorf("plausible move produced %d anomalies", res.AnomaliesDetected)
	}
	if len(f.store.Anomalies()) != 1 {
		t.Errorf("store holds %d anomalies, want 1", len(f.store.Anomalies()))
	}
}

func TestIngestPolicyScenario(t *testing.T) {
	f := newFixture(t, nil)
	f.store.PutPolicy(speedPolicy("p1", 80, domain.SeverityHigh))
	ctx := context.Background()
	t0 := testNow.Add(-time.Minute)

	res, err := f.gw.Ingest(ctx, batch("dev-1", rec(t0, 25.2, 55.27, 95)), Hints{})
	if err != nil {
		t.Fatal(err)
	}
	if res.AlertsTriggered != 1 {
		t.Fatalf("alerts = %d, want 1", res.AlertsTriggered)
	}
	alerts := f.store.Alerts()
	if len(alerts) != 1 || alerts[0].Severity != domain.SeverityHigh || alerts[0].TenantID != "tenant-a" {
		t.Fatalf("alerts = %+v", alerts)
	}
	p := f.store.Policy("p1")
	if p.TriggerCount != 1 || p.LastTriggeredAt == nil || !p.LastTriggeredAt.Equal(t0) {
		t.Errorf("policy stats = %d %v", p.TriggerCount, p.LastTriggeredAt)
	}

	res, err = f.gw.Ingest(ctx, batch("dev-1", rec(t0.Add(30*time.Second), 25.2005, 55.27, 60)), Hints{})
	if err != nil {
		t.Fatal(err)
	}
	if res.AlertsTriggered != 0 || len(f.store.Alerts()) != 1 || f.store.Policy("p1").TriggerCount != 1 {
		t.Errorf("speed 60 fired: %+v", res)
	}
}

func TestIngestSortsAndUpdatesDevice(t *testing.T) {
	f := newFixture(t, nil)
	t0 := testNow.Add(-time.Minute)

	_, err := f.gw.Ingest(context.Background(), batch("dev-1",
		rec(t0.Add(20*time.Second), 25.2002, 55.27, 30),
		rec(t0, 25.2, 55.27, 30),
		rec(t0.Add(10*time.Second), 25.2001, 55.27, 30),
	), Hints{Protocol: "json"})
	if err != nil {
		t.Fatal(err)
	}

	events := f.store.Events()
	for i := 1; i < len(events); i++ {
		if events[i].Event.Timestamp.Before(events[i-1].Event.Timestamp) {
			t.Fatalf("events stored out of order at %d", i)
		}
	}
	dev, _ := f.store.GetDevice(context.Background(), "dev-1")
	if dev.LastSeenAt == nil || !dev.LastSeenAt.Equal(t0.Add(20*time.Second)) || dev.Protocol != domain.ProtocolGeneric {
		t.Errorf("device = %+v", dev)
	}

	select {
	case st := <-f.disp.StateChan:
		if st.VehicleID != "veh-1" || !st.Event.Timestamp.Equal(t0.Add(20*time.Second)) {
			t.Errorf("live state = %+v", st)
		}
	default:
		t.Error("no live state dispatched")
	}
}

func TestIngestNotifiesAlertsAndAnomalies(t *testing.T) {
	f := newFixture(t, nil)
	f.store.PutPolicy(speedPolicy("p1", 80, domain.SeverityCritical))
	weak := rec(testNow.Add(-time.Minute), 25.2, 55.27, 120)
	weak["satellites"] = 2

	if _, err := f.gw.Ingest(context.Background(), batch("dev-1", weak), Hints{}); err != nil {
		t.Fatal(err)
	}

	kinds := map[domain.NotificationKind]int{}
	for len(f.disp.NotifyChan) > 0 {
		n := <-f.disp.NotifyChan
		kinds[n.Kind]++
		if n.TenantID != "tenant-a" || len(n.Payload) == 0 {
			t.Errorf("notification = %+v", n)
		}
	}
	if kinds[domain.NotifyAlert] != 1 || kinds[domain.NotifyAnomaly] != 1 {
		t.Errorf("notifications = %v", kinds)
	}
}

func TestIngestClientErrorsStoreNothing(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		p    *domain.GatewayPayload
		want error
	}{
		{"missing device", batch("  ", rec(testNow, 1, 1, 1)), ErrMissingDeviceID},
		{"empty batch", batch("dev-1"), ErrEmptyBatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.gw.Ingest(context.Background(), tt.p, Hints{})
			if !errors.Is(err, tt.want) || res != nil {
				t.Fatalf("got %v, %v", res, err)
			}
			if !IsClientError(err) {
				t.Error("not reported as client error")
			}
		})
	}
}

func TestIngestKeepsEventsBesideUndecodableRaw(t *testing.T) {
	f := newFixture(t, nil)
	p := batch("dev-1", rec(testNow, 25.2, 55.27, 20))
	p.RawHex = "abcd"

	res, err := f.gw.Ingest(context.Background(), p, Hints{})
	if err != nil || res.Status != StatusProcessed || res.EventsStored != 1 {
		t.Fatalf("ingest = %+v, %v", res, err)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Index != -1 {
		t.Errorf("rejected = %+v", res.Rejected)
	}
}

func TestOrphanReplayedOnceDeviceRegisters(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := batch("new-dev", rec(testNow.Add(-time.Minute), 25.2, 55.27, 20))

	res, err := f.gw.Ingest(ctx, p, Hints{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOrphan || res.Success {
		t.Fatalf("result = %+v", res)
	}
	raw, _ := f.store.GetRawMessage(ctx, res.IdempotencyKey)
	if raw == nil || raw.Status != domain.RawStatusOrphan {
		t.Fatalf("raw = %+v", raw)
	}
	if len(f.store.Events()) != 0 {
		t.Fatal("orphan stored events")
	}

	worker := NewReplayWorker(f.gw, f.store, quietLogger(), 10, time.Second)
	if n := worker.RunOnce(ctx); n != 0 {
		t.Fatalf("replayed %d orphans before the device exists", n)
	}

	f.store.PutDevice(domain.Device{ID: "new-dev", TenantID: "tenant-b", VehicleID: "veh-9", Active: true})
	if n := worker.RunOnce(ctx); n != 1 {
		t.Fatalf("replayed %d, want 1", n)
	}
	raw, _ = f.store.GetRawMessage(ctx, res.IdempotencyKey)
	if raw.Status != domain.RawStatusProcessed || raw.TenantID != "tenant-b" {
		t.Errorf("raw after replay = %+v", raw)
	}
	events := f.store.Events()
	if len(events) != 1 || events[0].TenantID != "tenant-b" || events[0].VehicleID != "veh-9" {
		t.Errorf("events = %+v", events)
	}
}

func TestFailedInsertIsRetried(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.store.FailEventInserts(errors.New("connection reset"))

	res, err := f.gw.Ingest(ctx, batch("dev-1", rec(testNow.Add(-time.Minute), 25.2, 55.27, 20)), Hints{})
	if err == nil {
		t.Fatal("expected insert failure")
	}
	if res == nil || res.Status != StatusFailed || res.Success || res.EventsStored != 0 {
		t.Fatalf("result = %+v", res)
	}
	raw, _ := f.store.GetRawMessage(ctx, res.IdempotencyKey)
	if raw.Status != domain.RawStatusFailed || raw.RetryAt == nil || !raw.RetryAt.Equal(testNow.Add(30*time.Second)) {
		t.Fatalf("raw = %+v", raw)
	}
	if len(raw.Normalized) == 0 || raw.Error == nil {
		t.Error("failed record lost its snapshot or reason")
	}

	worker := NewReplayWorker(f.gw, f.store, quietLogger(), 10, time.Second)
	if n := worker.RunOnce(ctx); n != 0 {
		t.Fatalf("replayed %d before retry time", n)
	}

	f.store.FailEventInserts(nil)
	f.clock.advance(31 * time.Second)
	if n := worker.RunOnce(ctx); n != 1 {
		t.Fatalf("replayed %d, want 1", n)
	}
	raw, _ = f.store.GetRawMessage(ctx, res.IdempotencyKey)
	if raw.Status != domain.RawStatusProcessed || raw.Attempts != 2 || raw.RetryAt != nil {
		t.Errorf("raw after replay = %+v", raw)
	}
	if len(f.store.Events()) != 1 {
		t.Errorf("events = %d, want 1", len(f.store.Events()))
	}
}

func TestFailedInsertStopsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxAttempts = 1 })
	f.store.FailEventInserts(errors.New("connection reset"))

	res, _ := f.gw.Ingest(context.Background(), batch("dev-1", rec(testNow, 25.2, 55.27, 20)), Hints{})
	raw, _ := f.store.GetRawMessage(context.Background(), res.IdempotencyKey)
	if raw.Status != domain.RawStatusFailed || raw.RetryAt != nil {
		t.Errorf("raw = %+v", raw)
	}
}

type fakeLocker struct {
	ok       bool
	err      error
	attempts int
	acquired int
	released int
}

func (l *fakeLocker) AcquireDeviceLock(ctx context.Context, deviceID string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.attempts++
	if l.err != nil || !l.ok {
		return nil, false, l.err
	}
	l.acquired++
	return func(context.Context) error {
		l.released++
		return nil
	}, true, nil
}

func TestDeviceLock(t *testing.T) {
	tests := []struct {
		name      string
		locker    *fakeLocker
		retried   bool
		wantTaken int
	}{
		{"acquired", &fakeLocker{ok: true}, false, 1},
		{"held until wait runs out", &fakeLocker{ok: false}, true, 0},
		{"redis down", &fakeLocker{err: errors.New("dial tcp: refused")}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) {
				o.Locker = tt.locker
				o.LockWait = 30 * time.Millisecond
			})
			res, err := f.gw.Ingest(context.Background(), batch("dev-1", rec(testNow, 25.2, 55.27, 20)), Hints{})
			if err != nil || res.Status != StatusProcessed {
				t.Fatalf("ingest = %+v, %v", res, err)
			}
			if tt.locker.acquired != tt.wantTaken || tt.locker.acquired != tt.locker.released {
				t.Errorf("acquired %d, released %d", tt.locker.acquired, tt.locker.released)
			}
			if got := tt.locker.attempts > 1; got != tt.retried {
				t.Errorf("attempts = %d", tt.locker.attempts)
			}
		})
	}
}

// nxLocker behaves like SET NX: one holder per device, others are refused.
type nxLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *nxLocker) AcquireDeviceLock(ctx context.Context, deviceID string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[deviceID] {
		return nil, false, nil
	}
	l.held[deviceID] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, deviceID)
		return nil
	}, true, nil
}

// slowReads tracks how many previous-event reads overlap.
type slowReads struct {
	*store.MemoryStore
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (s *slowReads) LatestEvent(ctx context.Context, tenantID, vehicleID string) (*domain.NormalizedEvent, error) {
	s.mu.Lock()
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}
	s.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	return s.MemoryStore.LatestEvent(ctx, tenantID, vehicleID)
}

func TestDeviceLockSerialisesSameDevice(t *testing.T) {
	f := newFixture(t, nil)
	st := &slowReads{MemoryStore: f.store}
	gw := NewGateway(st, Options{
		Locker:  &nxLocker{held: map[string]bool{}},
		LockTTL: 5 * time.Second,
		Logger:  quietLogger(),
		Now:     f.clock.now,
	})

	var wg sync.WaitGroup
	results := make([]*IngestResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ts := testNow.Add(time.Duration(i) * time.Second)
			results[i], errs[i] = gw.Ingest(context.Background(), batch("dev-1", rec(ts, 25.2, 55.27, 20)), Hints{})
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil || results[i].Status != StatusProcessed {
			t.Fatalf("ingest %d = %+v, %v", i, results[i], errs[i])
		}
	}
	if st.maxSeen != 1 {
		t.Errorf("overlapping previous-event reads = %d, want 1", st.maxSeen)
	}
}
