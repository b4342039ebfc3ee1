package pipeline

import (
	"errors"
	"math"
	"testing"
	"time"

	"fleet-monitor/gateway/internal/domain"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestValidate(t *testing.T) {
	base := domain.NormalizedEvent{Timestamp: testNow, Latitude: 25.2, Longitude: 55.27, SpeedKmh: 60}

	tests := []struct {
		name   string
		modify func(*domain.NormalizedEvent)
		want   error
	}{
		{"valid", func(*domain.NormalizedEvent) {}, nil},
		{"latitude high", func(e *domain.NormalizedEvent) { e.Latitude = 90.01 }, ErrLatitudeRange},
		{"latitude NaN", func(e *domain.NormalizedEvent) { e.Latitude = math.NaN() }, ErrLatitudeRange},
		{"longitude low", func(e *domain.NormalizedEvent) { e.Longitude = -180.5 }, ErrLongitudeRange},
		{"null island", func(e *domain.NormalizedEvent) { e.Latitude, e.Longitude = 0, 0 }, ErrNullIsland},
		{"negative speed", func(e *domain.NormalizedEvent) { e.SpeedKmh = -1 }, ErrSpeedRange},
		{"speed limit inclusive", func(e *domain.NormalizedEvent) { e.SpeedKmh = MaxSpeedKmh }, nil},
		{"too fast", func(e *domain.NormalizedEvent) { e.SpeedKmh = MaxSpeedKmh + 0.1 }, ErrSpeedRange},
		{"too old", func(e *domain.NormalizedEvent) { e.Timestamp = testNow.Add(-MaxEventAge - time.Second) }, ErrTooOld},
		{"too new", func(e *domain.NormalizedEvent) { e.Timestamp = testNow.Add(MaxEventAhead + time.Second) }, ErrTooNew},
		{"edge lat lon", func(e *domain.NormalizedEvent) { e.Latitude, e.Longitude = -90, 180 }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := base
			tt.modify(&ev)
			err := Validate(&ev, testNow)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateBatchReportsIndexes(t *testing.T) {
	events := []domain.NormalizedEvent{
		{Timestamp: testNow, Latitude: 10, Longitude: 10},
		{Timestamp: testNow, Latitude: 95, Longitude: 10},
		{Timestamp: testNow, Latitude: 11, Longitude: 11},
		{Timestamp: testNow, Latitude: 12, Longitude: 12, SpeedKmh: 900},
	}
	valid, rejected := validateBatch(events, testNow)

	if len(valid) != 2 || valid[0].Latitude != 10 || valid[1].Latitude != 11 {
		t.Fatalf("valid = %+v", valid)
	}
	if len(rejected) != 2 || rejected[0].Index != 1 || rejected[1].Index != 3 {
		t.Fatalf("rejected = %+v", rejected)
	}
	if rejected[0].Reason == "" {
		t.Error("rejection without a reason")
	}
}
