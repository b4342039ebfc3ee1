package pipeline

import "fleet-monitor/gateway/internal/domain"

// ColdChainBand is the acceptable cargo temperature range, inclusive.
type ColdChainBand struct {
	MinC float64
	MaxC float64
}

var DefaultColdChainBand = ColdChainBand{MinC: -25, MaxC: 25}

func (b ColdChainBand) Contains(t float64) bool {
	return t >= b.MinC && t <= b.MaxC
}

// Extract emits one reading per event that carries a temperature.
func (b ColdChainBand) Extract(dev *domain.Device, events []domain.NormalizedEvent) []domain.ColdChainRecord {
	var out []domain.ColdChainRecord
	for _, ev := range events {
		if ev.Temperature == nil {
			continue
		}
		out = append(out, domain.ColdChainRecord{
			TenantID:    dev.TenantID,
			DeviceID:    dev.ID,
			VehicleID:   dev.VehicleKey(),
			Timestamp:   ev.Timestamp,
			Temperature: *ev.Temperature,
			Humidity:    ev.Humidity,
			Latitude:    ev.Latitude,
			Longitude:   ev.Longitude,
			InRange:     b.Contains(*ev.Temperature),
		})
	}
	return out
}
