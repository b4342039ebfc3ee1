package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"fleet-monitor/gateway/internal/domain"
)

const knotsToKmh = 1.852

var nmeaKnown = keySetFrom(genericKnown, "sentences", "sentence")

// nmeaFix accumulates what the sentences of one fix report.
type nmeaFix struct {
	lat, lng    float64
	hasPosition bool
	speedKmh    *float64
	course      *float64
	altitude    *float64
	satellites  *int
	hdop        *float64
	date        string // ddmmyy from RMC
	clock       string // hhmmss.ss from RMC or GGA
	fixQuality  string
	rmcStatus   string
	skipped     int
}

func normalizeNMEA(rec domain.RawRecord, receivedAt time.Time) domain.NormalizedEvent {
	sentences := stringList(rec["sentences"])
	if s, ok := rec["sentence"].(string); ok {
		sentences = append(sentences, s)
	}

	var fix nmeaFix
	for _, s := range sentences {
		fields, ok := splitSentence(s)
		if !ok {
			fix.skipped++
			continue
		}
		switch sentenceType(fields[0]) {
		case "GGA":
			fix.applyGGA(fields)
		case "RMC":
			fix.applyRMC(fields)
		case "VTG":
			fix.applyVTG(fields)
		}
	}

	if !fix.hasPosition {
		ev := normalizeGeneric(rec, receivedAt)
		delete(ev.Extras, "sentences")
		delete(ev.Extras, "sentence")
		return ev
	}

	ev := baseEvent(rec, receivedAt)
	ev.Latitude, ev.Longitude = fix.lat, fix.lng
	if fix.speedKmh != nil {
		ev.SpeedKmh = *fix.speedKmh
	}
	if fix.course != nil {
		ev.Heading = *fix.course
	}
	if fix.altitude != nil {
		ev.Altitude = fix.altitude
	}
	if fix.satellites != nil {
		ev.Satellites = fix.satellites
	}
	if fix.hdop != nil {
		ev.HDOP = fix.hdop
	}
	if t, ok := fix.timestamp(ev.Timestamp); ok {
		ev.Timestamp = t
	}

	ev.Extras = extrasFrom(rec, nmeaKnown)
	if fix.fixQuality != "" {
		setExtra(&ev, "fix_quality", fix.fixQuality)
	}
	if fix.rmcStatus != "" {
		setExtra(&ev, "rmc_status", fix.rmcStatus)
	}
	if fix.skipped > 0 {
		setExtra(&ev, "skipped_sentences", fix.skipped)
	}
	return ev
}

func (f *nmeaFix) applyGGA(fields []string) {
	if len(fields) < 10 {
		return
	}
	f.clockFrom(fields[1])
	f.positionFrom(fields[2], fields[3], fields[4], fields[5])
	f.fixQuality = fields[6]
	if n, err := strconv.Atoi(fields[7]); err == nil {
		f.satellites = &n
	}
	if v, err := strconv.ParseFloat(fields[8], 64); err == nil {
		f.hdop = &v
	}
	if v, err := strconv.ParseFloat(fields[9], 64); err == nil {
		f.altitude = &v
	}
}

func (f *nmeaFix) applyRMC(fields []string) {
	if len(fields) < 10 {
		return
	}
	f.clockFrom(fields[1])
	f.rmcStatus = fields[2]
	f.positionFrom(fields[3], fields[4], fields[5], fields[6])
	if v, err := strconv.ParseFloat(fields[7], 64); err == nil {
		kmh := v * knotsToKmh
		f.speedKmh = &kmh
	}
	if v, err := strconv.ParseFloat(fields[8], 64); err == nil {
		f.course = &v
	}
	if len(fields[9]) == 6 {
		f.date = fields[9]
	}
}

// applyVTG fills speed and course only when RMC did not.
func (f *nmeaFix) applyVTG(fields []string) {
	if len(fields) < 8 {
		return
	}
	if f.course == nil {
		if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
			f.course = &v
		}
	}
	if f.speedKmh == nil {
		if v, err := strconv.ParseFloat(fields[7], 64); err == nil {
			f.speedKmh = &v
		} else if v, err := strconv.ParseFloat(fields[5], 64); err == nil {
			kmh := v * knotsToKmh
			f.speedKmh = &kmh
		}
	}
}

func (f *nmeaFix) clockFrom(s string) {
	if len(s) >= 6 && f.clock == "" {
		f.clock = s
	}
}

func (f *nmeaFix) positionFrom(lat, ns, lng, ew string) {
	if f.hasPosition {
		return
	}
	la, err1 := parseDegreesMinutes(lat, 2)
	lo, err2 := parseDegreesMinutes(lng, 3)
	if err1 != nil || err2 != nil {
		return
	}
	if strings.EqualFold(ns, "S") {
		la = -la
	}
	if strings.EqualFold(ew, "W") {
		lo = -lo
	}
	f.lat, f.lng, f.hasPosition = la, lo, true
}

// timestamp combines the fix clock with the RMC date, or with the date of
// fallback when no RMC was seen.
func (f *nmeaFix) timestamp(fallback time.Time) (time.Time, bool) {
	if len(f.clock) < 6 {
		return time.Time{}, false
	}
	hh, err1 := strconv.Atoi(f.clock[0:2])
	mm, err2 := strconv.Atoi(f.clock[2:4])
	sec, err3 := strconv.ParseFloat(f.clock[4:], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	year, month, day := fallback.UTC().Date()
	if f.date != "" {
		d, e1 := strconv.Atoi(f.date[0:2])
		m, e2 := strconv.Atoi(f.date[2:4])
		y, e3 := strconv.Atoi(f.date[4:6])
		if e1 == nil && e2 == nil && e3 == nil {
			year, month, day = nmeaYear(y), time.Month(m), d
		}
	}
	whole, frac := math.Modf(sec)
	return time.Date(year, month, day, hh, mm, int(whole), int(math.Round(frac*1e9)), time.UTC), true
}

// nmeaYear expands a two-digit RMC year, pivoting at 80.
func nmeaYear(yy int) int {
	if yy < 80 {
		return 2000 + yy
	}
	return 1900 + yy
}

// parseDegreesMinutes decodes ddmm.mmmm (degDigits=2) or dddmm.mmmm
// (degDigits=3) into decimal degrees.
func parseDegreesMinutes(s string, degDigits int) (float64, error) {
	if len(s) < degDigits+2 {
		return 0, fmt.Errorf("nmea: coordinate %q too short", s)
	}
	deg, err := strconv.Atoi(s[:degDigits])
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(s[degDigits:], 64)
	if err != nil {
		return 0, err
	}
	return float64(deg) + minutes/60, nil
}

// splitSentence validates the optional *hh checksum and returns the comma
// separated fields, the first being the address ("GPRMC").
func splitSentence(s string) ([]string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "$") && !strings.HasPrefix(s, "!") {
		return nil, false
	}
	body := s[1:]
	if i := strings.IndexByte(body, '*'); i >= 0 {
		want, err := strconv.ParseUint(strings.TrimSpace(body[i+1:]), 16, 8)
		if err != nil {
			return nil, false
		}
		body = body[:i]
		if nmeaChecksum(body) != byte(want) {
			return nil, false
		}
	}
	fields := strings.Split(body, ",")
	if len(fields[0]) < 5 {
		return nil, false
	}
	return fields, true
}

func nmeaChecksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

// sentenceType strips the two-letter talker ID from an address.
func sentenceType(address string) string {
	if len(address) < 5 {
		return ""
	}
	return address[len(address)-3:]
}

// groupSentences splits a flat sentence list into fixes. A new fix starts
// whenever a sentence type repeats within the current one.
func groupSentences(sentences []string) []domain.RawRecord {
	var (
		groups  []domain.RawRecord
		current []any
		seen    = map[string]bool{}
	)
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, domain.RawRecord{"sentences": current})
		}
		current, seen = nil, map[string]bool{}
	}
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		typ := ""
		if i := strings.IndexByte(s, ','); i > 0 {
			typ = sentenceType(strings.TrimPrefix(s[:i], "$"))
		}
		if typ != "" && seen[typ] {
			flush()
		}
		seen[typ] = true
		current = append(current, s)
	}
	flush()
	return groups
}
