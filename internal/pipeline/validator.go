package pipeline

import (
	"errors"
	"fmt"
	"math"
	"time"

	"fleet-monitor/gateway/internal/domain"
)

const (
	MaxSpeedKmh   = 400
	MaxEventAge   = 365 * 24 * time.Hour
	MaxEventAhead = 7 * 24 * time.Hour
)

var (
	ErrLatitudeRange  = errors.New("latitude out of range")
	ErrLongitudeRange = errors.New("longitude out of range")
	ErrSpeedRange     = errors.New("speed out of range")
	ErrTooOld         = errors.New("timestamp too far in the past")
	ErrTooNew         = errors.New("timestamp too far in the future")
	ErrNullIsland     = errors.New("position is exactly 0,0")
)

// Validate checks one event against the canonical invariants.
func Validate(ev *domain.NormalizedEvent, now time.Time) error {
	switch {
	case math.IsNaN(ev.Latitude) || ev.Latitude < -90 || ev.Latitude > 90:
		return fmt.Errorf("%w: %v", ErrLatitudeRange, ev.Latitude)
	case math.IsNaN(ev.Longitude) || ev.Longitude < -180 || ev.Longitude > 180:
		return fmt.Errorf("%w: %v", ErrLongitudeRange, ev.Longitude)
	case ev.Latitude == 0 && ev.Longitude == 0:
		return ErrNullIsland
	case math.IsNaN(ev.SpeedKmh) || ev.SpeedKmh < 0 || ev.SpeedKmh > MaxSpeedKmh:
		return fmt.Errorf("%w: %v", ErrSpeedRange, ev.SpeedKmh)
	case ev.Timestamp.Before(now.Add(-MaxEventAge)):
		return fmt.Errorf("%w: %s", ErrTooOld, ev.Timestamp.Format(time.RFC3339))
	case ev.Timestamp.After(now.Add(MaxEventAhead)):
		return fmt.Errorf("%w: %s", ErrTooNew, ev.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Rejection reports one event excluded from a batch. A raw encoding that
// could not be decoded at all is reported with Index -1.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

func skippedRejections(skipped []error) []Rejection {
	out := make([]Rejection, 0, len(skipped))
	for _, err := range skipped {
		out = append(out, Rejection{Index: -1, Reason: err.Error()})
	}
	return out
}

// validateBatch keeps the valid events in their original order and reports
// the rest by index.
func validateBatch(events []domain.NormalizedEvent, now time.Time) ([]domain.NormalizedEvent, []Rejection) {
	valid := make([]domain.NormalizedEvent, 0, len(events))
	var rejected []Rejection
	for i := range events {
		if err := Validate(&events[i], now); err != nil {
			rejected = append(rejected, Rejection{Index: i, Reason: err.Error()})
			continue
		}
		valid = append(valid, events[i])
	}
	return valid, rejected
}
