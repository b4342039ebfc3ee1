package protocol

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"fleet-monitor/gateway/internal/domain"
)

// lookup returns the first present, non-nil value among keys.
func lookup(rec domain.RawRecord, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "on", "yes":
			return true, true
		case "false", "0", "off", "no":
			return false, true
		}
		return false, false
	}
	if f, ok := toFloat(v); ok {
		return f != 0, true
	}
	return false, false
}

func floatField(rec domain.RawRecord, keys ...string) (float64, bool) {
	v, ok := lookup(rec, keys...)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func floatPtr(rec domain.RawRecord, keys ...string) *float64 {
	if f, ok := floatField(rec, keys...); ok {
		return &f
	}
	return nil
}

func intPtr(rec domain.RawRecord, keys ...string) *int {
	if f, ok := floatField(rec, keys...); ok {
		n := int(math.Round(f))
		return &n
	}
	return nil
}

func boolPtr(rec domain.RawRecord, keys ...string) *bool {
	v, ok := lookup(rec, keys...)
	if !ok {
		return nil
	}
	if b, ok := toBool(v); ok {
		return &b
	}
	return nil
}

func stringField(rec domain.RawRecord, keys ...string) (string, bool) {
	v, ok := lookup(rec, keys...)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	}
	return "", false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"20060102150405",
}

// parseTime accepts RFC3339-style strings, unix seconds and unix
// milliseconds, as numbers or numeric strings.
func parseTime(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC(), true
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	if f > 1e12 {
		ms := int64(f)
		return time.UnixMilli(ms).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

func timeField(rec domain.RawRecord, fallback time.Time, keys ...string) time.Time {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok || v == nil {
			continue
		}
		if t, ok := parseTime(v); ok {
			return t
		}
	}
	return fallback.UTC()
}

// RawTimestamp returns the raw timestamp value of a record as a stable
// string, for idempotency keying before any normalization happens.
func RawTimestamp(rec domain.RawRecord) string {
	v, ok := lookup(rec, timestampKeys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return formatFloat(t)
	case json.Number:
		return t.String()
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var timestampKeys = []string{"timestamp", "ts", "time", "datetime", "dt", "gps_time", "recorded_at"}

// extrasFrom copies every key of rec not listed in known into a new map.
func extrasFrom(rec domain.RawRecord, known map[string]bool) map[string]any {
	var extras map[string]any
	for k, v := range rec {
		if known[k] || v == nil {
			continue
		}
		if extras == nil {
			extras = make(map[string]any)
		}
		extras[k] = v
	}
	return extras
}

func setExtra(ev *domain.NormalizedEvent, key string, value any) {
	if ev.Extras == nil {
		ev.Extras = make(map[string]any)
	}
	ev.Extras[key] = value
}

func keySet(groups ...[]string) map[string]bool {
	m := make(map[string]bool)
	for _, g := range groups {
		for _, k := range g {
			m[k] = true
		}
	}
	return m
}

func keySetFrom(base map[string]bool, extra ...string) map[string]bool {
	m := make(map[string]bool, len(base)+len(extra))
	for k := range base {
		m[k] = true
	}
	for _, k := range extra {
		m[k] = true
	}
	return m
}
