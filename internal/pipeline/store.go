package pipeline

import (
	"context"
	"time"

	"fleet-monitor/gateway/internal/domain"
)

// Store is the persistence the gateway runs against. Lookups return a nil
// record and a nil error when nothing matches.
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (*domain.Device, error)
	UpdateDeviceState(ctx context.Context, deviceID string, lastSeen time.Time, proto domain.Protocol, version string) error

	GetRawMessage(ctx context.Context, key string) (*domain.RawMessageRecord, error)
	// ClaimRawMessage inserts rec, or takes over the existing record with the
	// same idempotency key unless it is processed or still being processed
	// within lease. On takeover the stored status becomes rec.Status and
	// attempts is incremented; the stored raw payload and normalized snapshot
	// are kept. The returned record is the stored one in both cases.
	ClaimRawMessage(ctx context.Context, rec *domain.RawMessageRecord, lease time.Duration) (*domain.RawMessageRecord, bool, error)
	MarkRawProcessed(ctx context.Context, key string, eventCount int, normalized []byte) error
	MarkRawFailed(ctx context.Context, key string, reason string, normalized []byte, retryAt *time.Time) error
	// ListReplayable returns failed records whose retry time has passed and
	// orphan records whose device is now registered and active.
	ListReplayable(ctx context.Context, now time.Time, limit int) ([]*domain.RawMessageRecord, error)

	LatestEvent(ctx context.Context, tenantID, vehicleID string) (*domain.NormalizedEvent, error)
	InsertEvents(ctx context.Context, events []domain.EventEnvelope) error
	InsertColdChain(ctx context.Context, recs []domain.ColdChainRecord) error

	CountFleetAnomalies(ctx context.Context, tenantID, excludeVehicleID string, since time.Time) (int, error)
	InsertAnomalies(ctx context.Context, recs []domain.GnssAnomalyRecord) error

	ActivePolicies(ctx context.Context, tenantID string) ([]domain.Policy, error)
	InsertAlerts(ctx context.Context, alerts []domain.Alert) error
	RecordPolicyTriggers(ctx context.Context, triggers []domain.PolicyTrigger) error
}

// Locker serialises ingestion per device. ok is false when another holder
// owns the lock.
type Locker interface {
	AcquireDeviceLock(ctx context.Context, deviceID string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// StateCache receives the live position of a vehicle.
type StateCache interface {
	PutLiveState(ctx context.Context, state *domain.LiveState) error
}

// Publisher delivers alert and anomaly notifications to subscribers.
type Publisher interface {
	Publish(ctx context.Context, n *domain.Notification) error
}
