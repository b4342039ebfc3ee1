package domain

import (
	"encoding/json"
	"time"
)

type Device struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	VehicleID       string     `json:"vehicle_id,omitempty"`
	Active          bool       `json:"active"`
	Protocol        Protocol   `json:"protocol,omitempty"`
	ProtocolVersion string     `json:"protocol_version,omitempty"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
}

// VehicleKey is the identifier per-vehicle state is tracked under. Devices
// not yet linked to a vehicle are tracked under their own id.
func (d *Device) VehicleKey() string {
	if d.VehicleID != "" {
		return d.VehicleID
	}
	return d.ID
}

type RawMessageStatus string

const (
	RawStatusProcessing RawMessageStatus = "processing"
	RawStatusProcessed  RawMessageStatus = "processed"
	RawStatusFailed     RawMessageStatus = "failed"
	RawStatusOrphan     RawMessageStatus = "orphan"
)

// RawMessageRecord is the store-and-forward copy of one inbound batch.
type RawMessageRecord struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id,omitempty"`
	DeviceID       string           `json:"device_id"`
	Protocol       Protocol         `json:"protocol"`
	IdempotencyKey string           `json:"idempotency_key"`
	RawPayload     json.RawMessage  `json:"raw_payload"`
	Status         RawMessageStatus `json:"status"`
	EventCount     int              `json:"event_count"`
	Attempts       int              `json:"attempts"`
	Normalized     json.RawMessage  `json:"normalized,omitempty"`
	Error          *string          `json:"error,omitempty"`
	RetryAt        *time.Time       `json:"retry_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type ColdChainRecord struct {
	TenantID    string    `json:"tenant_id"`
	DeviceID    string    `json:"device_id"`
	VehicleID   string    `json:"vehicle_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	Humidity    *float64  `json:"humidity,omitempty"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	InRange     bool      `json:"in_range"`
}
