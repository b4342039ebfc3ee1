package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dbGetEnv("DB_USER", "fleet_user"),
		dbGetEnv("DB_PASSWORD", "fleet_password"),
		dbGetEnv("DB_HOST", "localhost"),
		dbGetEnv("DB_PORT", "5432"),
		dbGetEnv("DB_NAME", "fleet_monitor"),
	)

	ctx := context.Background()

	fmt.Println("Connecting to TimescaleDB...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure TimescaleDB is running:\n  docker-compose up -d timescaledb", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	step1_extensions(ctx, conn)
	step2_registry_tables(ctx, conn)
	step3_raw_messages(ctx, conn)
	step4_time_series(ctx, conn)
	step5_alerts_and_anomalies(ctx, conn)
	step6_indexes(ctx, conn)
	step7_sample_data(ctx, conn)
	step8_verify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run ./scripts/seed_redis")
}

// ─────────────────────────────────────────────────────────────
// Step 1 — Extensions
// ─────────────────────────────────────────────────────────────
func step1_extensions(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: Extensions ──────────────────────────")

	execOrFatal(ctx, conn,
		"CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;",
		"timescaledb extension",
	)
	execOrFatal(ctx, conn,
		"CREATE EXTENSION IF NOT EXISTS postgis;",
		"postgis extension",
	)
}

// ─────────────────────────────────────────────────────────────
// Step 2 — devices and policies
// ─────────────────────────────────────────────────────────────
func step2_registry_tables(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: devices / policies ──────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS devices (
			id                TEXT        PRIMARY KEY,
			tenant_id         TEXT        NOT NULL,
			-- NULL until the device is linked to a vehicle
			vehicle_id        TEXT,
			active            BOOLEAN     NOT NULL DEFAULT true,
			protocol          TEXT,
			protocol_version  TEXT,
			last_seen_at      TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, "devices table created")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS policies (
			id                 TEXT        PRIMARY KEY,
			tenant_id          TEXT        NOT NULL,
			name               TEXT        NOT NULL,
			active             BOOLEAN     NOT NULL DEFAULT true,
			-- [{"field":"speed","operator":">","threshold":80}]
			conditions         JSONB       NOT NULL,
			-- [{"type":"alert","severity":"high"}]
			actions            JSONB,
			trigger_count      BIGINT      NOT NULL DEFAULT 0,
			last_triggered_at  TIMESTAMPTZ,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, "policies table created")
}

// ─────────────────────────────────────────────────────────────
// Step 3 — raw_messages (store-and-forward)
// ─────────────────────────────────────────────────────────────
func step3_raw_messages(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: raw_messages table ──────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS raw_messages (
			id               TEXT        PRIMARY KEY,
			-- NULL for orphans; set once the device is known
			tenant_id        TEXT,
			device_id        TEXT        NOT NULL,
			protocol         TEXT        NOT NULL,
			-- Concurrency primitive: one row per batch
			idempotency_key  TEXT        NOT NULL UNIQUE,
			raw_payload      JSONB       NOT NULL,
			status           TEXT        NOT NULL,
			event_count      INTEGER     NOT NULL DEFAULT 0,
			attempts         INTEGER     NOT NULL DEFAULT 1,
			normalized       JSONB,
			error            TEXT,
			retry_at         TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),

			CONSTRAINT chk_raw_status CHECK (
				status IN ('processing', 'processed', 'failed', 'orphan')
			)
		);
	`, "raw_messages table created")
}

// ─────────────────────────────────────────────────────────────
// Step 4 — telemetry_events and cold_chain_readings hypertables
// ─────────────────────────────────────────────────────────────
func step4_time_series(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: time-series tables ──────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS telemetry_events (
			time            TIMESTAMPTZ      NOT NULL,
			received_at     TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			tenant_id       TEXT             NOT NULL,
			device_id       TEXT             NOT NULL,
			vehicle_id      TEXT             NOT NULL,
			protocol        TEXT             NOT NULL,
			raw_message_id  TEXT,

			latitude        DOUBLE PRECISION NOT NULL,
			longitude       DOUBLE PRECISION NOT NULL,
			location        GEOGRAPHY(POINT, 4326)
			                GENERATED ALWAYS AS (
			                    ST_SetSRID(ST_MakePoint(longitude, latitude), 4326)::geography
			                ) STORED,

			speed_kmh       DOUBLE PRECISION NOT NULL DEFAULT 0,
			heading         DOUBLE PRECISION NOT NULL DEFAULT 0,
			altitude        DOUBLE PRECISION,
			fuel_level      DOUBLE PRECISION,
			engine_on       BOOLEAN,
			odometer_km     DOUBLE PRECISION,
			satellites      INTEGER,
			hdop            DOUBLE PRECISION,
			temperature     DOUBLE PRECISION,
			humidity        DOUBLE PRECISION,

			-- Protocol fields with no canonical column
			extras          JSONB
		);
	`, "telemetry_events table created")

	execOrFatal(ctx, conn, `
		SELECT create_hypertable('telemetry_events', 'time', if_not_exists => TRUE);
	`, "telemetry_events converted to hypertable")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS cold_chain_readings (
			time         TIMESTAMPTZ      NOT NULL,
			tenant_id    TEXT             NOT NULL,
			device_id    TEXT             NOT NULL,
			vehicle_id   TEXT             NOT NULL,
			temperature  DOUBLE PRECISION NOT NULL,
			humidity     DOUBLE PRECISION,
			latitude     DOUBLE PRECISION NOT NULL,
			longitude    DOUBLE PRECISION NOT NULL,
			in_range     BOOLEAN          NOT NULL
		);
	`, "cold_chain_readings table created")

	execOrFatal(ctx, conn, `
		SELECT create_hypertable('cold_chain_readings', 'time', if_not_exists => TRUE);
	`, "cold_chain_readings converted to hypertable")
}

// ─────────────────────────────────────────────────────────────
// Step 5 — alerts and gnss_anomalies
// ─────────────────────────────────────────────────────────────
func step5_alerts_and_anomalies(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 5: alerts / gnss_anomalies ─────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS alerts (
			id               TEXT             PRIMARY KEY,
			tenant_id        TEXT             NOT NULL,
			policy_id        TEXT             NOT NULL,
			policy_name      TEXT             NOT NULL,
			device_id        TEXT             NOT NULL,
			vehicle_id       TEXT             NOT NULL,
			severity         TEXT             NOT NULL,
			triggered_value  DOUBLE PRECISION,
			event_snapshot   JSONB            NOT NULL,
			created_at       TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
			acknowledged_at  TIMESTAMPTZ,
			acknowledged_by  TEXT,

			CONSTRAINT chk_alert_severity CHECK (
				severity IN ('low', 'medium', 'high', 'critical')
			)
		);
	`, "alerts table created")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS gnss_anomalies (
			id            TEXT             PRIMARY KEY,
			tenant_id     TEXT             NOT NULL,
			device_id     TEXT             NOT NULL,
			vehicle_id    TEXT             NOT NULL,
			event_time    TIMESTAMPTZ      NOT NULL,
			latitude      DOUBLE PRECISION NOT NULL,
			longitude     DOUBLE PRECISION NOT NULL,
			anomaly_type  TEXT             NOT NULL,
			confidence    DOUBLE PRECISION NOT NULL,
			severity      TEXT             NOT NULL,
			rules         TEXT[]           NOT NULL,
			features      JSONB,
			created_at    TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			CONSTRAINT chk_anomaly_type CHECK (
				anomaly_type IN ('spoofing', 'jamming', 'interference', 'drift', 'unknown')
			),
			CONSTRAINT chk_confidence CHECK (confidence BETWEEN 0 AND 1)
		);
	`, "gnss_anomalies table created")
}

// ─────────────────────────────────────────────────────────────
// Step 6 — Indexes
// ─────────────────────────────────────────────────────────────
func step6_indexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 6: Indexes ─────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		why  string
	}{
		{
			name: "idx_events_vehicle_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_events_vehicle_time
				  ON telemetry_events (tenant_id, vehicle_id, time DESC);`,
			why: "query: latest event per vehicle",
		},
		{
			name: "idx_events_location",
			sql: `CREATE INDEX IF NOT EXISTS idx_events_location
				  ON telemetry_events USING GIST (location);`,
			why: "query: vehicles near a lat/lng (ST_DWithin)",
		},
		{
			name: "idx_raw_replayable",
			sql: `CREATE INDEX IF NOT EXISTS idx_raw_replayable
				  ON raw_messages (created_at)
				  WHERE status IN ('failed', 'orphan');`,
			why: "query: replay worker scan (partial index)",
		},
		{
			name: "idx_anomalies_fleet",
			sql: `CREATE INDEX IF NOT EXISTS idx_anomalies_fleet
				  ON gnss_anomalies (tenant_id, created_at DESC);`,
			why: "query: fleet correlation window",
		},
		{
			name: "idx_alerts_vehicle",
			sql: `CREATE INDEX IF NOT EXISTS idx_alerts_vehicle
				  ON alerts (tenant_id, vehicle_id, created_at DESC);`,
			why: "query: alerts for one vehicle",
		},
		{
			name: "idx_alerts_unacknowledged",
			sql: `CREATE INDEX IF NOT EXISTS idx_alerts_unacknowledged
				  ON alerts (tenant_id, created_at DESC)
				  WHERE acknowledged_at IS NULL;`,
			why: "query: unacknowledged alerts only (partial index)",
		},
		{
			name: "idx_policies_tenant",
			sql: `CREATE INDEX IF NOT EXISTS idx_policies_tenant
				  ON policies (tenant_id) WHERE active;`,
			why: "query: active policies per tenant",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql,
			fmt.Sprintf("%-40s ← %s", idx.name, idx.why),
		)
	}
}

// ─────────────────────────────────────────────────────────────
// Step 7 — Sample devices and policies
// ─────────────────────────────────────────────────────────────
func step7_sample_data(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 7: Sample data ─────────────────────────")

	devices := []struct{ id, tenant, vehicle, proto string }{
		{"352094081234567", "tenant_demo", "truck-001", "teltonika"},
		{"868120301234567", "tenant_demo", "van-014", "queclink"},
		{"0123456789012345", "tenant_demo", "reefer-007", "concox"},
		{"obd-demo-1", "tenant_demo", "car-042", "obd"},
	}
	for _, d := range devices {
		execOrFatal(ctx, conn, fmt.Sprintf(`
			INSERT INTO devices (id, tenant_id, vehicle_id, protocol)
			VALUES ('%s', '%s', '%s', '%s')
			ON CONFLICT (id) DO NOTHING;
		`, d.id, d.tenant, d.vehicle, d.proto), "device "+d.id)
	}

	execOrFatal(ctx, conn, `
		INSERT INTO policies (id, tenant_id, name, conditions, actions)
		VALUES
			('policy-overspeed', 'tenant_demo', 'Overspeed',
			 '[{"field":"speed","operator":">","threshold":80}]',
			 '[{"type":"alert","severity":"high"}]'),
			('policy-reefer-warm', 'tenant_demo', 'Reefer too warm',
			 '[{"field":"temperature","operator":">","threshold":8}]',
			 '[{"type":"alert","severity":"critical"}]')
		ON CONFLICT (id) DO NOTHING;
	`, "sample policies")
}

// ─────────────────────────────────────────────────────────────
// Step 8 — Verify everything was created
// ─────────────────────────────────────────────────────────────
func step8_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 8: Verification ────────────────────────")

	tables := []string{"devices", "policies", "raw_messages", "telemetry_events",
		"cold_chain_readings", "alerts", "gnss_anomalies"}
	for _, table := range tables {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	rows, err := conn.Query(ctx, `
		SELECT hypertable_name
		FROM timescaledb_information.hypertables
		WHERE hypertable_name IN ('telemetry_events', 'cold_chain_readings')
	`)
	if err != nil {
		log.Fatalf("Hypertable check failed: %v", err)
	}
	hypertables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil || len(hypertables) != 2 {
		log.Fatalf("Expected 2 hypertables, got %v (%v)", hypertables, err)
	}
	fmt.Printf("  ✓ hypertables: %v\n", hypertables)

	var indexCount int
	err = conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE indexname LIKE 'idx_%'
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

// execOrFatal runs a SQL statement and prints result or exits on error
func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED — %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}

func dbGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
