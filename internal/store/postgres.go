package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-monitor/gateway/internal/config"
	"fleet-monitor/gateway/internal/domain"
)

var ErrNotFound = errors.New("store: record not found")

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg *config.Config) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Devices

func (s *PostgresStore) GetDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	var (
		dev   domain.Device
		proto string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, COALESCE(vehicle_id, ''), active,
		       COALESCE(protocol, ''), COALESCE(protocol_version, ''), last_seen_at
		FROM devices
		WHERE id = $1
	`, deviceID).Scan(&dev.ID, &dev.TenantID, &dev.VehicleID, &dev.Active, &proto, &dev.ProtocolVersion, &dev.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", deviceID, err)
	}
	dev.Protocol = domain.Protocol(proto)
	return &dev, nil
}

func (s *PostgresStore) UpdateDeviceState(ctx context.Context, deviceID string, lastSeen time.Time, proto domain.Protocol, version string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET last_seen_at = GREATEST(COALESCE(last_seen_at, $2), $2),
		    protocol = $3,
		    protocol_version = COALESCE(NULLIF($4, ''), protocol_version)
		WHERE id = $1
	`, deviceID, lastSeen, string(proto), version)
	if err != nil {
		return fmt.Errorf("update device %s: %w", deviceID, err)
	}
	return nil
}

// Raw messages

const rawColumns = `id, COALESCE(tenant_id, ''), device_id, protocol, idempotency_key, raw_payload,
	status, event_count, attempts, normalized, error, retry_at, created_at, updated_at`

func scanRaw(row pgx.Row) (*domain.RawMessageRecord, error) {
	var (
		rec           domain.RawMessageRecord
		proto, status string
		payload, norm []byte
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.DeviceID, &proto, &rec.IdempotencyKey, &payload,
		&status, &rec.EventCount, &rec.Attempts, &norm, &rec.Error, &rec.RetryAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Protocol = domain.Protocol(proto)
	rec.Status = domain.RawMessageStatus(status)
	rec.RawPayload = payload
	rec.Normalized = norm
	return &rec, nil
}

func (s *PostgresStore) GetRawMessage(ctx context.Context, key string) (*domain.RawMessageRecord, error) {
	rec, err := scanRaw(s.pool.QueryRow(ctx, `SELECT `+rawColumns+` FROM raw_messages WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get raw message: %w", err)
	}
	return rec, nil
}

// ClaimRawMessage relies on the unique idempotency_key: the conditional
// DO UPDATE only takes over failed, orphan or stale processing rows.
func (s *PostgresStore) ClaimRawMessage(ctx context.Context, rec *domain.RawMessageRecord, lease time.Duration) (*domain.RawMessageRecord, bool, error) {
	query := `
		INSERT INTO raw_messages AS rm
			(id, tenant_id, device_id, protocol, idempotency_key, raw_payload,
			 status, event_count, attempts, created_at, updated_at)
		VALUES
			($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, 1, NOW(), NOW())
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status     = EXCLUDED.status,
		    tenant_id  = EXCLUDED.tenant_id,
		    attempts   = rm.attempts + 1,
		    error      = NULL,
		    retry_at   = NULL,
		    updated_at = NOW()
		WHERE rm.status IN ('failed', 'orphan')
		   OR (rm.status = 'processing' AND rm.updated_at < NOW() - make_interval(secs => $9))
		RETURNING ` + rawColumns

	claimed, err := scanRaw(s.pool.QueryRow(ctx, query,
		rec.ID,
		rec.TenantID,
		rec.DeviceID,
		string(rec.Protocol),
		rec.IdempotencyKey,
		[]byte(rec.RawPayload),
		string(rec.Status),
		rec.EventCount,
		lease.Seconds(),
	))
	if err == nil {
		return claimed, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("claim raw message: %w", err)
	}

	existing, err := s.GetRawMessage(ctx, rec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("claim raw message %s: %w", rec.IdempotencyKey, ErrNotFound)
	}
	return existing, false, nil
}

func (s *PostgresStore) MarkRawProcessed(ctx context.Context, key string, eventCount int, normalized []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE raw_messages
		SET status = 'processed', event_count = $2, normalized = $3,
		    error = NULL, retry_at = NULL, updated_at = NOW()
		WHERE idempotency_key = $1
	`, key, eventCount, normalized)
	if err != nil {
		return fmt.Errorf("mark raw processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkRawFailed(ctx context.Context, key string, reason string, normalized []byte, retryAt *time.Time) error {
	if len(normalized) == 0 {
		normalized = nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE raw_messages
		SET status = 'failed', error = $2, normalized = COALESCE($3, normalized),
		    retry_at = $4, updated_at = NOW()
		WHERE idempotency_key = $1
	`, key, reason, normalized, retryAt)
	if err != nil {
		return fmt.Errorf("mark raw failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListReplayable(ctx context.Context, now time.Time, limit int) ([]*domain.RawMessageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rawColumns+`
		FROM raw_messages rm
		WHERE (rm.status = 'failed' AND rm.retry_at IS NOT NULL AND rm.retry_at <= $1)
		   OR (rm.status = 'orphan' AND EXISTS (
		          SELECT 1 FROM devices d WHERE d.id = rm.device_id AND d.active))
		ORDER BY rm.created_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list replayable: %w", err)
	}
	defer rows.Close()

	var out []*domain.RawMessageRecord
	for rows.Next() {
		rec, err := scanRaw(rows)
		if err != nil {
			return nil, fmt.Errorf("scan replayable: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Events

var eventColumns = []string{
	"time",
	"tenant_id",
	"device_id",
	"vehicle_id",
	"protocol",
	"raw_message_id",
	"latitude",
	"longitude",
	"speed_kmh",
	"heading",
	"altitude",
	"fuel_level",
	"engine_on",
	"odometer_km",
	"satellites",
	"hdop",
	"temperature",
	"humidity",
	"extras",
}

func (s *PostgresStore) InsertEvents(ctx context.Context, events []domain.EventEnvelope) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(events))
	for i, env := range events {
		ev := env.Event
		rows[i] = []interface{}{
			ev.Timestamp,
			env.TenantID,
			env.DeviceID,
			env.VehicleID,
			string(env.Protocol),
			env.RawMessageID,
			ev.Latitude,
			ev.Longitude,
			ev.SpeedKmh,
			ev.Heading,
			ev.Altitude,
			ev.FuelLevel,
			ev.EngineOn,
			ev.OdometerKm,
			ev.Satellites,
			ev.HDOP,
			ev.Temperature,
			ev.Humidity,
			jsonText(ev.Extras),
		}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"telemetry_events"},
		eventColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(events), err)
	}
	return nil
}

func (s *PostgresStore) LatestEvent(ctx context.Context, tenantID, vehicleID string) (*domain.NormalizedEvent, error) {
	var (
		ev     domain.NormalizedEvent
		extras []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT time, latitude, longitude, speed_kmh, heading, altitude, fuel_level,
		       engine_on, odometer_km, satellites, hdop, temperature, humidity, extras
		FROM telemetry_events
		WHERE tenant_id = $1 AND vehicle_id = $2
		ORDER BY time DESC
		LIMIT 1
	`, tenantID, vehicleID).Scan(&ev.Timestamp, &ev.Latitude, &ev.Longitude, &ev.SpeedKmh, &ev.Heading,
		&ev.Altitude, &ev.FuelLevel, &ev.EngineOn, &ev.OdometerKm, &ev.Satellites, &ev.HDOP,
		&ev.Temperature, &ev.Humidity, &extras)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest event for %s: %w", vehicleID, err)
	}
	if len(extras) > 0 {
		_ = json.Unmarshal(extras, &ev.Extras)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return &ev, nil
}

var coldChainColumns = []string{
	"time", "tenant_id", "device_id", "vehicle_id",
	"temperature", "humidity", "latitude", "longitude", "in_range",
}

func (s *PostgresStore) InsertColdChain(ctx context.Context, recs []domain.ColdChainRecord) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(recs))
	for i, r := range recs {
		rows[i] = []interface{}{
			r.Timestamp, r.TenantID, r.DeviceID, r.VehicleID,
			r.Temperature, r.Humidity, r.Latitude, r.Longitude, r.InRange,
		}
	}
	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"cold_chain_readings"}, coldChainColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert cold chain readings: %w", err)
	}
	return nil
}

// Anomalies

func (s *PostgresStore) CountFleetAnomalies(ctx context.Context, tenantID, excludeVehicleID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT vehicle_id)
		FROM gnss_anomalies
		WHERE tenant_id = $1 AND vehicle_id <> $2 AND created_at >= $3
	`, tenantID, excludeVehicleID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count fleet anomalies: %w", err)
	}
	return n, nil
}

var anomalyColumns = []string{
	"id", "tenant_id", "device_id", "vehicle_id", "event_time", "latitude", "longitude",
	"anomaly_type", "confidence", "severity", "rules", "features", "created_at",
}

func (s *PostgresStore) InsertAnomalies(ctx context.Context, recs []domain.GnssAnomalyRecord) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(recs))
	for i, a := range recs {
		rows[i] = []interface{}{
			a.ID, a.TenantID, a.DeviceID, a.VehicleID, a.Timestamp, a.Latitude, a.Longitude,
			string(a.Type), a.Confidence, string(a.Severity), a.Rules, jsonText(a.Features), a.CreatedAt,
		}
	}
	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"gnss_anomalies"}, anomalyColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert anomalies: %w", err)
	}
	return nil
}

// Policies and alerts

func (s *PostgresStore) ActivePolicies(ctx context.Context, tenantID string) ([]domain.Policy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, active, conditions, actions, trigger_count, last_triggered_at
		FROM policies
		WHERE tenant_id = $1 AND active
		ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	defer rows.Close()

	var out []domain.Policy
	for rows.Next() {
		var (
			p                  domain.Policy
			conditions, action []byte
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Active, &conditions, &action, &p.TriggerCount, &p.LastTriggeredAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
			return nil, fmt.Errorf("policy %s conditions: %w", p.ID, err)
		}
		if len(action) > 0 {
			if err := json.Unmarshal(action, &p.Actions); err != nil {
				return nil, fmt.Errorf("policy %s actions: %w", p.ID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

var alertColumns = []string{
	"id", "tenant_id", "policy_id", "policy_name", "device_id", "vehicle_id",
	"severity", "triggered_value", "event_snapshot", "created_at",
}

func (s *PostgresStore) InsertAlerts(ctx context.Context, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(alerts))
	for i, a := range alerts {
		rows[i] = []interface{}{
			a.ID, a.TenantID, a.PolicyID, a.PolicyName, a.DeviceID, a.VehicleID,
			string(a.Severity), a.TriggeredValue, string(a.EventSnapshot), a.CreatedAt,
		}
	}
	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"alerts"}, alertColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert alerts: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordPolicyTriggers(ctx context.Context, triggers []domain.PolicyTrigger) error {
	if len(triggers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range triggers {
		batch.Queue(`
			UPDATE policies
			SET trigger_count = trigger_count + $2,
			    last_triggered_at = GREATEST(COALESCE(last_triggered_at, $3), $3)
			WHERE id = $1
		`, t.PolicyID, t.Count, t.At)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("record policy triggers: %w", err)
	}
	return nil
}

// jsonText renders v for a jsonb column; nil maps and values become NULL.
func jsonText(v any) interface{} {
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return string(b)
}
