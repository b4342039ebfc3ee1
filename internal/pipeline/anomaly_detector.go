package pipeline

import (
	"math"
	"time"

	"github.com/google/uuid"

	"fleet-monitor/gateway/internal/domain"
)

const (
	RuleSatelliteCritical    = "SATELLITE_CRITICAL_DROP"
	RuleSatelliteLow         = "SATELLITE_LOW"
	RuleHDOPDegraded         = "HDOP_DEGRADED"
	RuleHDOPTooPerfect       = "HDOP_TOO_PERFECT"
	RulePositionJump         = "POSITION_JUMP"
	RuleTeleport             = "TELEPORT"
	RuleSpeedWithoutMovement = "SPEED_WITHOUT_MOVEMENT"
	RuleFleetCorrelated      = "FLEET_CORRELATED"
)

type AnomalyDetector struct {
	cfg AnomalyConfig
}

func NewAnomalyDetector(cfg AnomalyConfig) *AnomalyDetector {
	return &AnomalyDetector{cfg: cfg}
}

func (d *AnomalyDetector) Config() AnomalyConfig { return d.cfg }

// Detect scores each event of a time-sorted batch against its predecessor:
// prev for the first event, the previous batch event after that. fleetCount
// is the number of other vehicles of the tenant flagged in the fleet window.
func (d *AnomalyDetector) Detect(dev *domain.Device, prev *domain.NormalizedEvent, events []domain.NormalizedEvent, fleetCount int, now time.Time) []domain.GnssAnomalyRecord {
	var out []domain.GnssAnomalyRecord
	for i := range events {
		ev := &events[i]
		score, rules, features := d.Score(prev, ev, fleetCount)
		prev = ev
		if len(rules) == 0 {
			continue
		}
		out = append(out, domain.GnssAnomalyRecord{
			ID:         uuid.NewString(),
			TenantID:   dev.TenantID,
			DeviceID:   dev.ID,
			VehicleID:  dev.VehicleKey(),
			Timestamp:  ev.Timestamp,
			Latitude:   ev.Latitude,
			Longitude:  ev.Longitude,
			Type:       d.classify(rules, fleetCount),
			Confidence: score,
			Severity:   severityFor(score),
			Rules:      rules,
			Features:   features,
			CreatedAt:  now,
		})
	}
	return out
}

// Score returns the capped, rounded confidence and the names of the rules
// that fired for ev. prev may be nil.
func (d *AnomalyDetector) Score(prev, ev *domain.NormalizedEvent, fleetCount int) (float64, []string, domain.AnomalyFeatures) {
	cfg := d.cfg
	w := cfg.Weights
	features := domain.AnomalyFeatures{
		FleetCorrelation: fleetCount,
		Satellites:       ev.Satellites,
		HDOP:             ev.HDOP,
	}
	var (
		score float64
		rules []string
	)
	fire := func(rule string, weight float64) {
		rules = append(rules, rule)
		score += weight
	}

	if ev.Satellites != nil {
		switch {
		case *ev.Satellites <= cfg.SatelliteCriticalMax:
			fire(RuleSatelliteCritical, w.SatelliteCritical)
		case *ev.Satellites <= cfg.SatelliteLowMax:
			fire(RuleSatelliteLow, w.SatelliteLow)
		}
	}

	if ev.HDOP != nil {
		switch {
		case *ev.HDOP > cfg.HDOPDegradedAbove:
			fire(RuleHDOPDegraded, w.HDOPDegraded)
		case *ev.HDOP < cfg.HDOPTooPerfectBelow:
			fire(RuleHDOPTooPerfect, w.HDOPTooPerfect)
		}
	}

	if prev != nil {
		dist := haversineM(prev.Latitude, prev.Longitude, ev.Latitude, ev.Longitude)
		elapsed := ev.Timestamp.Sub(prev.Timestamp).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		maxSpeedMS := math.Max(prev.SpeedKmh, ev.SpeedKmh) / 3.6
		expected := math.Max(cfg.SpeedFactor*maxSpeedMS*elapsed, cfg.MinExpectedDistanceM)

		features.JumpDistanceM = round2(dist)
		features.ExpectedMaxDistanceM = round2(expected)
		features.ElapsedSeconds = elapsed
		if elapsed > 0 {
			features.ImpliedSpeedKmh = round2(dist / elapsed * 3.6)
		}

		ratio := dist / expected
		if ratio > cfg.JumpRatio {
			fire(RulePositionJump, w.PositionJump)
		}
		if ratio > cfg.TeleportRatio {
			fire(RuleTeleport, w.Teleport)
		}
		if ev.SpeedKmh > cfg.StationarySpeedKmh && dist < cfg.StationaryDistanceM {
			fire(RuleSpeedWithoutMovement, w.SpeedWithoutMovement)
		}
	}

	if len(rules) > 0 && fleetCount >= cfg.FleetCorrelationMin {
		fire(RuleFleetCorrelated, w.FleetCorrelated)
	}

	return round2(math.Min(score, 1)), rules, features
}

func (d *AnomalyDetector) classify(rules []string, fleetCount int) domain.AnomalyType {
	set := make(map[string]bool, len(rules))
	for _, r := range rules {
		set[r] = true
	}
	switch {
	case set[RuleHDOPTooPerfect], set[RuleSpeedWithoutMovement], set[RuleTeleport]:
		return domain.AnomalySpoofing
	case set[RuleSatelliteCritical], set[RuleSatelliteLow]:
		if fleetCount >= d.cfg.JammingFleetMin {
			return domain.AnomalyJamming
		}
		return domain.AnomalyInterference
	case set[RulePositionJump] && !set[RuleHDOPDegraded]:
		return domain.AnomalyDrift
	}
	return domain.AnomalyUnknown
}

func severityFor(confidence float64) domain.Severity {
	switch {
	case confidence >= 0.8:
		return domain.SeverityCritical
	case confidence >= 0.6:
		return domain.SeverityHigh
	case confidence >= 0.35:
		return domain.SeverityMedium
	}
	return domain.SeverityLow
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
