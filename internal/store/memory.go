package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleet-monitor/gateway/internal/domain"
)

// MemoryStore keeps everything in process. It backs tests and local runs
// without a database and follows the same claim rules as PostgresStore.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]*domain.Device
	raw       map[string]*domain.RawMessageRecord
	events    []domain.EventEnvelope
	coldChain []domain.ColdChainRecord
	anomalies []domain.GnssAnomalyRecord
	policies  map[string]*domain.Policy
	alerts    []domain.Alert

	insertEventsErr error
	now             func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*domain.Device),
		raw:      make(map[string]*domain.RawMessageRecord),
		policies: make(map[string]*domain.Policy),
		now:      time.Now,
	}
}

func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailEventInserts makes InsertEvents return err until called with nil.
func (s *MemoryStore) FailEventInserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertEventsErr = err
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) PutDevice(dev domain.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[dev.ID] = &dev
}

func (s *MemoryStore) PutPolicy(p domain.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = &p
}

func (s *MemoryStore) GetDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dev, ok := s.devices[deviceID]; ok {
		out := *dev
		return &out, nil
	}
	return nil, nil
}

func (s *MemoryStore) UpdateDeviceState(ctx context.Context, deviceID string, lastSeen time.Time, proto domain.Protocol, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[deviceID]
	if !ok {
		return nil
	}
	if dev.LastSeenAt == nil || lastSeen.After(*dev.LastSeenAt) {
		t := lastSeen
		dev.LastSeenAt = &t
	}
	dev.Protocol = proto
	if version != "" {
		dev.ProtocolVersion = version
	}
	return nil
}

func (s *MemoryStore) GetRawMessage(ctx context.Context, key string) (*domain.RawMessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.raw[key]; ok {
		out := *rec
		return &out, nil
	}
	return nil, nil
}

func (s *MemoryStore) ClaimRawMessage(ctx context.Context, rec *domain.RawMessageRecord, lease time.Duration) (*domain.RawMessageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.raw[rec.IdempotencyKey]
	if !ok {
		stored := *rec
		stored.Attempts = 1
		stored.CreatedAt, stored.UpdatedAt = now, now
		s.raw[rec.IdempotencyKey] = &stored
		out := stored
		return &out, true, nil
	}

	switch existing.Status {
	case domain.RawStatusProcessed:
		out := *existing
		return &out, false, nil
	case domain.RawStatusProcessing:
		if now.Sub(existing.UpdatedAt) < lease {
			out := *existing
			return &out, false, nil
		}
	}

	existing.Status = rec.Status
	existing.TenantID = rec.TenantID
	existing.Attempts++
	existing.Error = nil
	existing.RetryAt = nil
	existing.UpdatedAt = now
	out := *existing
	return &out, true, nil
}

func (s *MemoryStore) MarkRawProcessed(ctx context.Context, key string, eventCount int, normalized []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.raw[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = domain.RawStatusProcessed
	rec.EventCount = eventCount
	rec.Normalized = append([]byte(nil), normalized...)
	rec.Error = nil
	rec.RetryAt = nil
	rec.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkRawFailed(ctx context.Context, key string, reason string, normalized []byte, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.raw[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = domain.RawStatusFailed
	rec.Error = &reason
	if len(normalized) > 0 {
		rec.Normalized = append([]byte(nil), normalized...)
	}
	rec.RetryAt = retryAt
	rec.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListReplayable(ctx context.Context, now time.Time, limit int) ([]*domain.RawMessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.RawMessageRecord
	for _, rec := range s.raw {
		switch rec.Status {
		case domain.RawStatusFailed:
			if rec.RetryAt == nil || rec.RetryAt.After(now) {
				continue
			}
		case domain.RawStatusOrphan:
			dev, ok := s.devices[rec.DeviceID]
			if !ok || !dev.Active {
				continue
			}
		default:
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LatestEvent(ctx context.Context, tenantID, vehicleID string) (*domain.NormalizedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.NormalizedEvent
	for i := range s.events {
		env := &s.events[i]
		if env.TenantID != tenantID || env.VehicleID != vehicleID {
			continue
		}
		if latest == nil || env.Event.Timestamp.After(latest.Timestamp) {
			ev := env.Event
			latest = &ev
		}
	}
	return latest, nil
}

func (s *MemoryStore) InsertEvents(ctx context.Context, events []domain.EventEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertEventsErr != nil {
		return s.insertEventsErr
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *MemoryStore) InsertColdChain(ctx context.Context, recs []domain.ColdChainRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coldChain = append(s.coldChain, recs...)
	return nil
}

func (s *MemoryStore) CountFleetAnomalies(ctx context.Context, tenantID, excludeVehicleID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vehicles := make(map[string]bool)
	for _, a := range s.anomalies {
		if a.TenantID == tenantID && a.VehicleID != excludeVehicleID && !a.CreatedAt.Before(since) {
			vehicles[a.VehicleID] = true
		}
	}
	return len(vehicles), nil
}

func (s *MemoryStore) InsertAnomalies(ctx context.Context, recs []domain.GnssAnomalyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies = append(s.anomalies, recs...)
	return nil
}

func (s *MemoryStore) ActivePolicies(ctx context.Context, tenantID string) ([]domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Policy
	for _, p := range s.policies {
		if p.TenantID == tenantID && p.Active {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InsertAlerts(ctx context.Context, alerts []domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alerts...)
	return nil
}

func (s *MemoryStore) RecordPolicyTriggers(ctx context.Context, triggers []domain.PolicyTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range triggers {
		p, ok := s.policies[t.PolicyID]
		if !ok {
			continue
		}
		p.TriggerCount += int64(t.Count)
		if p.LastTriggeredAt == nil || t.At.After(*p.LastTriggeredAt) {
			at := t.At
			p.LastTriggeredAt = &at
		}
	}
	return nil
}

// Snapshot accessors for tests and diagnostics.

func (s *MemoryStore) Events() []domain.EventEnvelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.EventEnvelope(nil), s.events...)
}

func (s *MemoryStore) ColdChain() []domain.ColdChainRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ColdChainRecord(nil), s.coldChain...)
}

func (s *MemoryStore) Anomalies() []domain.GnssAnomalyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.GnssAnomalyRecord(nil), s.anomalies...)
}

func (s *MemoryStore) Alerts() []domain.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Alert(nil), s.alerts...)
}

func (s *MemoryStore) Policy(id string) *domain.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.policies[id]; ok {
		out := *p
		return &out
	}
	return nil
}
