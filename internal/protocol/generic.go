package protocol

import (
	"time"

	"fleet-monitor/gateway/internal/domain"
)

var (
	latKeys      = []string{"lat", "latitude", "y", "Lat", "Latitude"}
	lngKeys      = []string{"lng", "lon", "long", "longitude", "x", "Lng", "Lon", "Longitude"}
	speedKeys    = []string{"speed", "speed_kmh", "speedKmh", "velocity", "spd"}
	headingKeys  = []string{"heading", "course", "bearing", "angle", "crs", "direction"}
	altitudeKeys = []string{"altitude", "alt", "elevation"}
	fuelKeys     = []string{"fuel_level", "fuel", "fuelLevel", "fuel_pct"}
	engineKeys   = []string{"engine_on", "engineOn", "ignition", "acc"}
	odometerKeys = []string{"odometer", "odometer_km", "odometerKm", "mileage", "odo"}
	satKeys      = []string{"satellites", "sats", "sat", "satellite_count", "num_sats"}
	hdopKeys     = []string{"hdop", "HDOP"}
	tempKeys     = []string{"temperature", "temp", "temp_c"}
	humidityKeys = []string{"humidity", "hum", "rh"}

	nestedPositionKeys = []string{"location", "position", "gps", "coords"}

	genericKnown = keySet(latKeys, lngKeys, speedKeys, headingKeys, altitudeKeys, fuelKeys,
		engineKeys, odometerKeys, satKeys, hdopKeys, tempKeys, humidityKeys, timestampKeys,
		nestedPositionKeys, []string{"device_id", "protocol"})
)

// normalizeGeneric does best-effort synonym matching. It never fails: a
// record with nothing recognisable still yields an event, which validation
// will then reject.
func normalizeGeneric(rec domain.RawRecord, receivedAt time.Time) domain.NormalizedEvent {
	rec = flattenPosition(rec)
	ev := baseEvent(rec, receivedAt)
	ev.Extras = extrasFrom(rec, genericKnown)
	return ev
}

// baseEvent fills every canonical field from its same-named (or synonym)
// top-level field. Protocol normalizers start from it and override the
// fields their encoding defines.
func baseEvent(rec domain.RawRecord, receivedAt time.Time) domain.NormalizedEvent {
	ev := domain.NormalizedEvent{
		Timestamp:   timeField(rec, receivedAt, timestampKeys...),
		Altitude:    floatPtr(rec, altitudeKeys...),
		FuelLevel:   floatPtr(rec, fuelKeys...),
		EngineOn:    boolPtr(rec, engineKeys...),
		OdometerKm:  floatPtr(rec, odometerKeys...),
		Satellites:  intPtr(rec, satKeys...),
		HDOP:        floatPtr(rec, hdopKeys...),
		Temperature: floatPtr(rec, tempKeys...),
		Humidity:    floatPtr(rec, humidityKeys...),
	}
	ev.Latitude, _ = floatField(rec, latKeys...)
	ev.Longitude, _ = floatField(rec, lngKeys...)
	ev.SpeedKmh, _ = floatField(rec, speedKeys...)
	ev.Heading, _ = floatField(rec, headingKeys...)
	return ev
}

// flattenPosition lifts lat/lng out of a nested location object when the
// record has no top-level coordinates.
func flattenPosition(rec domain.RawRecord) domain.RawRecord {
	if _, ok := lookup(rec, latKeys...); ok {
		return rec
	}
	for _, k := range nestedPositionKeys {
		nested, ok := rec[k].(map[string]any)
		if !ok {
			continue
		}
		out := make(domain.RawRecord, len(rec)+len(nested))
		for kk, v := range rec {
			out[kk] = v
		}
		for kk, v := range nested {
			if _, exists := out[kk]; !exists {
				out[kk] = v
			}
		}
		return out
	}
	return rec
}
