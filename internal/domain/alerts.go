package domain

import (
	"encoding/json"
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func ParseSeverity(s string) (Severity, bool) {
	switch Severity(normalizeName(s)) {
	case SeverityLow, "info":
		return SeverityLow, true
	case SeverityMedium, "warning":
		return SeverityMedium, true
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityCritical:
		return SeverityCritical, true
	}
	return SeverityMedium, false
}

type AnomalyType string

const (
	AnomalySpoofing     AnomalyType = "spoofing"
	AnomalyJamming      AnomalyType = "jamming"
	AnomalyInterference AnomalyType = "interference"
	AnomalyDrift        AnomalyType = "drift"
	AnomalyUnknown      AnomalyType = "unknown"
)

// AnomalyFeatures is the numeric evidence an anomaly score was computed from.
type AnomalyFeatures struct {
	JumpDistanceM        float64  `json:"jump_distance_m"`
	ExpectedMaxDistanceM float64  `json:"expected_max_distance_m"`
	ElapsedSeconds       float64  `json:"elapsed_seconds"`
	ImpliedSpeedKmh      float64  `json:"implied_speed_kmh"`
	FleetCorrelation     int      `json:"fleet_correlation"`
	Satellites           *int     `json:"satellites,omitempty"`
	HDOP                 *float64 `json:"hdop,omitempty"`
}

type GnssAnomalyRecord struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	DeviceID   string          `json:"device_id"`
	VehicleID  string          `json:"vehicle_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Latitude   float64         `json:"latitude"`
	Longitude  float64         `json:"longitude"`
	Type       AnomalyType     `json:"anomaly_type"`
	Confidence float64         `json:"confidence"`
	Severity   Severity        `json:"severity"`
	Rules      []string        `json:"rules"`
	Features   AnomalyFeatures `json:"features"`
	CreatedAt  time.Time       `json:"created_at"`
}

type ConditionField string

const (
	FieldSpeed       ConditionField = "speed"
	FieldTemperature ConditionField = "temperature"
	FieldFuelLevel   ConditionField = "fuel_level"
)

type Condition struct {
	Field     ConditionField `json:"field"`
	Operator  string         `json:"operator"`
	Threshold float64        `json:"threshold"`
}

type PolicyAction struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity,omitempty"`
}

type Policy struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	Name            string         `json:"name"`
	Active          bool           `json:"active"`
	Conditions      []Condition    `json:"conditions"`
	Actions         []PolicyAction `json:"actions"`
	TriggerCount    int64          `json:"trigger_count"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
}

// AlertSeverity returns the severity configured on the policy's alert action,
// medium when none is set.
func (p *Policy) AlertSeverity() Severity {
	for _, a := range p.Actions {
		if normalizeName(a.Type) != "alert" && normalizeName(a.Type) != "raisealert" {
			continue
		}
		if sev, ok := ParseSeverity(string(a.Severity)); ok {
			return sev
		}
	}
	return SeverityMedium
}

type Alert struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	PolicyID       string          `json:"policy_id"`
	PolicyName     string          `json:"policy_name"`
	DeviceID       string          `json:"device_id"`
	VehicleID      string          `json:"vehicle_id"`
	Severity       Severity        `json:"severity"`
	TriggeredValue *float64        `json:"triggered_value,omitempty"`
	EventSnapshot  json.RawMessage `json:"event_snapshot"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PolicyTrigger is the per-policy trigger stat delta of one ingestion call.
type PolicyTrigger struct {
	PolicyID string
	Count    int
	At       time.Time
}

type NotificationKind string

const (
	NotifyAlert   NotificationKind = "alert"
	NotifyAnomaly NotificationKind = "anomaly"
)

// Notification is an alert or anomaly fanned out to subscribers after it has
// been persisted.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	TenantID  string           `json:"tenant_id"`
	DeviceID  string           `json:"device_id"`
	VehicleID string           `json:"vehicle_id"`
	Payload   json.RawMessage  `json:"payload"`
	At        time.Time        `json:"at"`
}
