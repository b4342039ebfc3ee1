package domain

import (
	"encoding/json"
	"time"
)

type Protocol string

const (
	ProtocolTeltonika Protocol = "teltonika"
	ProtocolQueclink  Protocol = "queclink"
	ProtocolConcox    Protocol = "concox"
	ProtocolOBD       Protocol = "obd"
	ProtocolNMEA      Protocol = "nmea"
	ProtocolGeneric   Protocol = "generic"
)

// ParseProtocol maps a free-form protocol name onto a known tag. The second
// return value is false for names that are not recognised.
func ParseProtocol(name string) (Protocol, bool) {
	switch normalizeName(name) {
	case "teltonika", "codec8", "fmb":
		return ProtocolTeltonika, true
	case "queclink", "gl300", "gv300":
		return ProtocolQueclink, true
	case "concox", "gt06", "jimi":
		return ProtocolConcox, true
	case "obd", "obd2", "obdii":
		return ProtocolOBD, true
	case "nmea", "nmea0183":
		return ProtocolNMEA, true
	case "generic", "json":
		return ProtocolGeneric, true
	default:
		return ProtocolGeneric, false
	}
}

func normalizeName(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b = append(b, c+('a'-'A'))
		case c == ' ' || c == '-' || c == '_' || c == '\t':
		default:
			b = append(b, c)
		}
	}
	return string(b)
}

// RawRecord is one protocol-specific record as delivered by a device.
type RawRecord map[string]any

// GatewayPayload is the body of one ingestion call.
type GatewayPayload struct {
	DeviceID       string      `json:"device_id"`
	Protocol       string      `json:"protocol,omitempty"`
	Sequence       *int64      `json:"sequence,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	Events         []RawRecord `json:"events,omitempty"`
	RawHex         string      `json:"raw_hex,omitempty"`
	RawText        string      `json:"raw_text,omitempty"`
	Sentences      []string    `json:"sentences,omitempty"`
}

// HasRawEncoding reports whether the payload carries any protocol-specific
// encoding besides the events array.
func (p *GatewayPayload) HasRawEncoding() bool {
	return p.RawHex != "" || p.RawText != "" || len(p.Sentences) > 0
}

// NormalizedEvent is the canonical, protocol-independent telemetry record.
type NormalizedEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	SpeedKmh  float64   `json:"speed_kmh"`
	Heading   float64   `json:"heading"`

	Altitude    *float64 `json:"altitude,omitempty"`
	FuelLevel   *float64 `json:"fuel_level,omitempty"`
	EngineOn    *bool    `json:"engine_on,omitempty"`
	OdometerKm  *float64 `json:"odometer_km,omitempty"`
	Satellites  *int     `json:"satellites,omitempty"`
	HDOP        *float64 `json:"hdop,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`

	Extras map[string]any `json:"extras,omitempty"`
}

// LiveState is the latest known position of a vehicle, published to the
// live-state cache after a successful ingestion.
type LiveState struct {
	DeviceID   string
	VehicleID  string
	TenantID   string
	Protocol   Protocol
	Event      NormalizedEvent
	ReceivedAt time.Time
}

func MarshalEvents(events []NormalizedEvent) ([]byte, error) {
	return json.Marshal(events)
}

func UnmarshalEvents(raw []byte) ([]NormalizedEvent, error) {
	var events []NormalizedEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }
func Bool(v bool) *bool        { return &v }

// EventEnvelope is a normalized event together with the ownership columns it
// is persisted under.
type EventEnvelope struct {
	TenantID     string
	DeviceID     string
	VehicleID    string
	Protocol     Protocol
	RawMessageID string
	Event        NormalizedEvent
}
