package protocol

import (
	"strings"
	"time"

	"fleet-monitor/gateway/internal/domain"
)

// GTFRI positional layout.
const (
	qlHeader   = 0
	qlVersion  = 1
	qlIMEI     = 2
	qlHDOP     = 7
	qlSpeed    = 8
	qlAzimuth  = 9
	qlAltitude = 10
	qlLon      = 11
	qlLat      = 12
	qlUTCTime  = 13
	qlMileage  = 19
)

var queclinkKnown = keySetFrom(genericKnown, "fields")

func normalizeQueclink(rec domain.RawRecord, receivedAt time.Time) domain.NormalizedEvent {
	ev := baseEvent(rec, receivedAt)
	fields := stringList(rec["fields"])
	field := func(i int) (string, bool) {
		if i >= len(fields) {
			return "", false
		}
		s := strings.TrimSpace(fields[i])
		return s, s != ""
	}
	num := func(i int) (float64, bool) {
		s, ok := field(i)
		if !ok {
			return 0, false
		}
		return toFloat(s)
	}

	if v, ok := num(qlHDOP); ok {
		ev.HDOP = domain.Float(v)
	}
	if v, ok := num(qlSpeed); ok {
		ev.SpeedKmh = v
	}
	if v, ok := num(qlAzimuth); ok {
		ev.Heading = v
	}
	if v, ok := num(qlAltitude); ok {
		ev.Altitude = domain.Float(v)
	}
	if v, ok := num(qlLon); ok {
		ev.Longitude = v
	}
	if v, ok := num(qlLat); ok {
		ev.Latitude = v
	}
	if s, ok := field(qlUTCTime); ok {
		if t, err := time.Parse("20060102150405", s); err == nil {
			ev.Timestamp = t.UTC()
		}
	}
	if v, ok := num(qlMileage); ok {
		ev.OdometerKm = domain.Float(v)
	}

	ev.Extras = extrasFrom(rec, queclinkKnown)
	if s, ok := field(qlHeader); ok {
		if i := strings.IndexByte(s, ':'); i >= 0 {
			setExtra(&ev, "report_type", s[i+1:])
		} else {
			setExtra(&ev, "report_type", s)
		}
	}
	if s, ok := field(qlVersion); ok {
		setExtra(&ev, "protocol_version", s)
	}
	if s, ok := field(qlIMEI); ok {
		setExtra(&ev, "imei", s)
	}
	return ev
}

// splitQueclinkLine turns one "+RESP:GTFRI,...$" line into a fields record.
func splitQueclinkLine(line string) domain.RawRecord {
	line = strings.TrimSpace(line)
	line = strings.TrimSuffix(line, "$")
	parts := strings.Split(line, ",")
	fields := make([]any, len(parts))
	for i, p := range parts {
		fields[i] = p
	}
	return domain.RawRecord{"fields": fields}
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, len(l))
		for i, item := range l {
			switch s := item.(type) {
			case string:
				out[i] = s
			case nil:
			default:
				if f, ok := toFloat(s); ok {
					out[i] = formatFloat(f)
				}
			}
		}
		return out
	}
	return nil
}
