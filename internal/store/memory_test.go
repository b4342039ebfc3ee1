package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleet-monitor/gateway/internal/domain"
)

func TestMemoryClaimRules(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	rec := &domain.RawMessageRecord{
		ID:             "r1",
		DeviceID:       "dev-1",
		IdempotencyKey: "k1",
		RawPayload:     []byte(`{"device_id":"dev-1"}`),
		Status:         domain.RawStatusProcessing,
	}

	stored, claimed, err := s.ClaimRawMessage(ctx, rec, time.Minute)
	if err != nil || !claimed || stored.Attempts != 1 {
		t.Fatalf("first claim = %+v %v %v", stored, claimed, err)
	}

	if _, claimed, _ := s.ClaimRawMessage(ctx, rec, time.Minute); claimed {
		t.Fatal("processing record within lease was claimed twice")
	}

	now = now.Add(2 * time.Minute)
	stored, claimed, _ = s.ClaimRawMessage(ctx, rec, time.Minute)
	if !claimed || stored.Attempts != 2 {
		t.Fatalf("stale processing record not taken over: %+v", stored)
	}

	if err := s.MarkRawProcessed(ctx, "k1", 3, []byte(`[]`)); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)
	stored, claimed, _ = s.ClaimRawMessage(ctx, rec, time.Minute)
	if claimed || stored.Status != domain.RawStatusProcessed || stored.EventCount != 3 {
		t.Fatalf("processed record claimed: %+v", stored)
	}
}

func TestMemoryFailedTakeoverKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := &domain.RawMessageRecord{IdempotencyKey: "k1", DeviceID: "dev-1", Status: domain.RawStatusProcessing}
	if _, _, err := s.ClaimRawMessage(ctx, rec, time.Minute); err != nil {
		t.Fatal(err)
	}
	retry := time.Now().Add(time.Minute)
	if err := s.MarkRawFailed(ctx, "k1", "boom", []byte(`[{"latitude":1}]`), &retry); err != nil {
		t.Fatal(err)
	}

	again := &domain.RawMessageRecord{IdempotencyKey: "k1", DeviceID: "dev-1", Status: domain.RawStatusProcessing, TenantID: "t1"}
	stored, claimed, err := s.ClaimRawMessage(ctx, again, time.Minute)
	if err != nil || !claimed {
		t.Fatalf("failed record not claimable: %v %v", claimed, err)
	}
	if stored.Error != nil || stored.RetryAt != nil || string(stored.Normalized) != `[{"latitude":1}]` || stored.TenantID != "t1" {
		t.Errorf("takeover = %+v", stored)
	}

	if err := s.MarkRawFailed(ctx, "missing", "x", nil, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key err = %v", err)
	}
}

func TestMemoryListReplayable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	claim := func(key, device string, status domain.RawMessageStatus) {
		if _, _, err := s.ClaimRawMessage(ctx, &domain.RawMessageRecord{IdempotencyKey: key, DeviceID: device, Status: status}, time.Minute); err != nil {
			t.Fatal(err)
		}
		now = now.Add(time.Second)
	}
	claim("due", "dev-1", domain.RawStatusProcessing)
	claim("later", "dev-1", domain.RawStatusProcessing)
	claim("orphan-known", "dev-2", domain.RawStatusOrphan)
	claim("orphan-unknown", "dev-3", domain.RawStatusOrphan)
	claim("done", "dev-1", domain.RawStatusProcessing)

	past, future := now.Add(-time.Second), now.Add(time.Hour)
	_ = s.MarkRawFailed(ctx, "due", "x", nil, &past)
	_ = s.MarkRawFailed(ctx, "later", "x", nil, &future)
	_ = s.MarkRawProcessed(ctx, "done", 1, nil)
	s.PutDevice(domain.Device{ID: "dev-2", TenantID: "t1", Active: true})

	got, err := s.ListReplayable(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].IdempotencyKey != "due" || got[1].IdempotencyKey != "orphan-known" {
		keys := make([]string, len(got))
		for i, r := range got {
			keys[i] = r.IdempotencyKey
		}
		t.Fatalf("replayable = %v", keys)
	}

	if got, _ := s.ListReplayable(ctx, now, 1); len(got) != 1 {
		t.Errorf("limit ignored: %d", len(got))
	}
}

func TestMemoryFleetAnomalies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	_ = s.InsertAnomalies(ctx, []domain.GnssAnomalyRecord{
		{TenantID: "t1", VehicleID: "v1", CreatedAt: now},
		{TenantID: "t1", VehicleID: "v2", CreatedAt: now},
		{TenantID: "t1", VehicleID: "v2", CreatedAt: now},
		{TenantID: "t1", VehicleID: "v3", CreatedAt: now.Add(-time.Hour)},
		{TenantID: "t2", VehicleID: "v4", CreatedAt: now},
	})

	n, err := s.CountFleetAnomalies(ctx, "t1", "v1", now.Add(-5*time.Minute))
	if err != nil || n != 1 {
		t.Errorf("count = %d, %v; want 1", n, err)
	}
}

func TestMemoryPolicyTriggers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutPolicy(domain.Policy{ID: "p1", TenantID: "t1", Active: true})
	s.PutPolicy(domain.Policy{ID: "p2", TenantID: "t1", Active: false})

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	_ = s.RecordPolicyTriggers(ctx, []domain.PolicyTrigger{{PolicyID: "p1", Count: 2, At: at}})
	_ = s.RecordPolicyTriggers(ctx, []domain.PolicyTrigger{{PolicyID: "p1", Count: 1, At: at.Add(-time.Hour)}})

	p := s.Policy("p1")
	if p.TriggerCount != 3 || !p.LastTriggeredAt.Equal(at) {
		t.Errorf("policy = %+v", p)
	}
	active, _ := s.ActivePolicies(ctx, "t1")
	if len(active) != 1 || active[0].ID != "p1" {
		t.Errorf("active = %+v", active)
	}
}
